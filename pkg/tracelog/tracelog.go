// Package tracelog persists sampled chains as an append-only, segmented
// log. Each record holds one chain state; offsets increase monotonically
// across segments and survive reopening.
package tracelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/fluxorio/metropolis/pkg/mcmc"
)

// Errors.
var (
	ErrClosed  = errors.New("tracelog: closed")
	ErrCorrupt = errors.New("tracelog: corrupt record")
)

// Sample is one recorded chain state.
type Sample struct {
	Offset    uint64    `json:"offset"`
	Chain     int       `json:"chain"`
	Iteration int       `json:"iteration"`
	Accepted  bool      `json:"accepted"`
	Theta     []float64 `json:"theta"`
}

// Config configures a Log.
type Config struct {
	Dir string
	// MaxSegmentBytes triggers rotation to a new segment file.
	MaxSegmentBytes int64
	// Fsync syncs the active segment on every Sync and rotation.
	Fsync bool
}

// DefaultConfig returns a configuration with 64MB segments.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, MaxSegmentBytes: 64 << 20}
}

// Log is an append-only sample log. It is safe for concurrent use.
type Log struct {
	cfg Config

	mu         sync.Mutex
	closed     bool
	next       uint64
	activeID   int
	activeFile *os.File
	activeBuf  *bufio.Writer
	activeSize int64
}

// Open opens or creates the log in cfg.Dir, recovering the next offset
// from existing segments. A torn record at the end of the newest segment
// is truncated away.
func Open(cfg Config) (*Log, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("tracelog: dir is required")
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	l := &Log{cfg: cfg}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) recover() error {
	segs, err := listSegments(l.cfg.Dir)
	if err != nil {
		return err
	}
	var valid int64
	for _, seg := range segs {
		maxOff, seen, n, err := scanSegment(seg.path, nil)
		if err != nil {
			return err
		}
		if seen && maxOff+1 > l.next {
			l.next = maxOff + 1
		}
		l.activeID, valid = seg.id, n
	}
	if l.activeID == 0 {
		l.activeID = 1
	}

	path := segmentPath(l.cfg.Dir, l.activeID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(valid); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Seek(valid, 0); err != nil {
		_ = f.Close()
		return err
	}
	l.activeFile = f
	l.activeSize = valid
	l.activeBuf = bufio.NewWriterSize(f, 256<<10)
	return nil
}

// Append writes one sample and returns its offset. s.Offset is ignored.
func (l *Log) Append(s Sample) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(s.Chain, s.Iteration, s.Accepted, s.Theta)
}

// AppendChain writes every sample of c as chain index chain. Accepted is
// derived by comparing each sample with its predecessor, the first one
// with start; under a continuous proposal an unchanged state means the
// move was rejected. It returns the number of samples written.
func (l *Log) AppendChain(chain int, start []float64, c *mcmc.Chain) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := start
	for i := 0; i < c.Len(); i++ {
		theta := c.At(i)
		if _, err := l.appendLocked(chain, i, !equal(theta, prev), theta); err != nil {
			return i, err
		}
		prev = theta
	}
	return c.Len(), nil
}

func (l *Log) appendLocked(chain, iteration int, accepted bool, theta []float64) (uint64, error) {
	if l.closed {
		return 0, ErrClosed
	}
	payload := encodeSample(chain, iteration, accepted, theta)
	if l.activeSize > 0 && l.activeSize+frameHeader+int64(len(payload)) > l.cfg.MaxSegmentBytes {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
	}
	off := l.next
	n, err := putFrame(l.activeBuf, off, payload)
	if err != nil {
		return 0, err
	}
	l.next++
	l.activeSize += int64(n)
	return off, nil
}

func (l *Log) rotateLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.activeFile.Close(); err != nil {
		return err
	}
	l.activeID++
	f, err := os.OpenFile(segmentPath(l.cfg.Dir, l.activeID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.activeFile = f
	l.activeBuf = bufio.NewWriterSize(f, 256<<10)
	l.activeSize = 0
	return nil
}

func (l *Log) flushLocked() error {
	if err := l.activeBuf.Flush(); err != nil {
		return err
	}
	if l.cfg.Fsync {
		return l.activeFile.Sync()
	}
	return nil
}

// Sync flushes buffered samples to the active segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushLocked()
}

// NextOffset returns the offset the next Append will get.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Read returns up to limit samples with offset >= from, in offset order.
// Buffered samples are flushed first.
func (l *Log) Read(from uint64, limit int) ([]Sample, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("tracelog: limit must be positive")
	}
	if err := l.Sync(); err != nil {
		return nil, err
	}
	segs, err := listSegments(l.cfg.Dir)
	if err != nil {
		return nil, err
	}

	out := make([]Sample, 0, min(limit, 1024))
	for _, seg := range segs {
		_, _, _, err := scanSegment(seg.path, func(off uint64, payload []byte) (bool, error) {
			if off < from {
				return true, nil
			}
			s, err := decodeSample(payload)
			if err != nil {
				return false, fmt.Errorf("offset %d: %w", off, err)
			}
			s.Offset = off
			out = append(out, s)
			return len(out) < limit, nil
		})
		if err != nil {
			return nil, err
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.flushLocked()
	if cerr := l.activeFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Payload layout: chain uint32 | iteration uint64 | accepted byte |
// dim uint32 | dim float64 values.
func encodeSample(chain, iteration int, accepted bool, theta []float64) []byte {
	buf := make([]byte, 17+8*len(theta))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(chain))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(iteration))
	if accepted {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(theta)))
	for i, v := range theta {
		binary.LittleEndian.PutUint64(buf[17+8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeSample(buf []byte) (Sample, error) {
	if len(buf) < 17 {
		return Sample{}, ErrCorrupt
	}
	dim := int(binary.LittleEndian.Uint32(buf[13:17]))
	if len(buf) != 17+8*dim {
		return Sample{}, ErrCorrupt
	}
	s := Sample{
		Chain:     int(binary.LittleEndian.Uint32(buf[0:4])),
		Iteration: int(binary.LittleEndian.Uint64(buf[4:12])),
		Accepted:  buf[12] == 1,
		Theta:     make([]float64, dim),
	}
	for i := range s.Theta {
		s.Theta[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[17+8*i:]))
	}
	return s, nil
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
