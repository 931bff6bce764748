package mcmc

// Chain is the ordered record of visited states, one entry per iteration.
// A rejected proposal repeats the previous entry. Samples are stored flat
// so long chains stay in a single allocation.
type Chain struct {
	dim      int
	data     []float64
	accepted int
}

// NewChain returns an empty chain for vectors of dimension dim.
func NewChain(dim int) *Chain {
	return &Chain{dim: dim}
}

// ChainOf builds a chain holding copies of samples, for derived chains
// such as thinned ones. It records no accepted proposals.
func ChainOf(dim int, samples [][]float64) *Chain {
	c := &Chain{dim: dim, data: make([]float64, 0, dim*len(samples))}
	for _, theta := range samples {
		c.data = append(c.data, theta[:dim]...)
	}
	return c
}

// Dim returns the dimension of every sample.
func (c *Chain) Dim() int { return c.dim }

// Len returns the number of recorded iterations.
func (c *Chain) Len() int {
	if c.dim == 0 {
		return 0
	}
	return len(c.data) / c.dim
}

// Accepted returns how many recorded iterations accepted their proposal.
func (c *Chain) Accepted() int { return c.accepted }

// AcceptanceRate returns Accepted/Len, or 0 for an empty chain.
func (c *Chain) AcceptanceRate() float64 {
	n := c.Len()
	if n == 0 {
		return 0
	}
	return float64(c.accepted) / float64(n)
}

// At returns sample i. The slice aliases the chain's storage and must not
// be modified.
func (c *Chain) At(i int) []float64 {
	return c.data[i*c.dim : (i+1)*c.dim : (i+1)*c.dim]
}

// Samples returns a copy of every sample in iteration order.
func (c *Chain) Samples() [][]float64 {
	n := c.Len()
	out := make([][]float64, n)
	flat := append([]float64(nil), c.data...)
	for i := range out {
		out[i] = flat[i*c.dim : (i+1)*c.dim : (i+1)*c.dim]
	}
	return out
}

// Column returns the trace of parameter j.
func (c *Chain) Column(j int) []float64 {
	n := c.Len()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = c.data[i*c.dim+j]
	}
	return out
}

// Reset drops every sample and the accept count.
func (c *Chain) Reset() {
	c.data = c.data[:0]
	c.accepted = 0
}

func (c *Chain) push(theta []float64, accepted bool) {
	c.data = append(c.data, theta...)
	if accepted {
		c.accepted++
	}
}

// Flatten concatenates the samples of independent chains. Order across
// chains carries no meaning.
func Flatten(chains ...*Chain) [][]float64 {
	var total int
	for _, c := range chains {
		total += c.Len()
	}
	out := make([][]float64, 0, total)
	for _, c := range chains {
		out = append(out, c.Samples()...)
	}
	return out
}
