package server

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
)

// RequestContext wraps a fasthttp request with route parameters and
// per-request values set by middleware.
type RequestContext struct {
	*fasthttp.RequestCtx
	Params map[string]string

	route     string
	requestID string
	values    map[string]interface{}
}

// Param returns a path parameter by name.
func (c *RequestContext) Param(name string) string { return c.Params[name] }

// Route returns the matched route pattern, or "" when nothing matched.
func (c *RequestContext) Route() string { return c.route }

// RequestID returns the X-Request-ID of the request.
func (c *RequestContext) RequestID() string { return c.requestID }

// Set stores a request-scoped value.
func (c *RequestContext) Set(key string, v interface{}) {
	if c.values == nil {
		c.values = make(map[string]interface{})
	}
	c.values[key] = v
}

// Get returns a value stored with Set.
func (c *RequestContext) Get(key string) interface{} { return c.values[key] }

// JSON writes v with the given status code.
func (c *RequestContext) JSON(status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.SetStatusCode(status)
	c.SetContentType("application/json")
	c.SetBody(data)
	return nil
}

// Fail writes a JSON error body.
func (c *RequestContext) Fail(status int, code, message string) error {
	return c.JSON(status, map[string]string{
		"error":      code,
		"message":    message,
		"request_id": c.requestID,
	})
}

// HandlerFunc handles a routed request.
type HandlerFunc func(ctx *RequestContext) error

// Middleware wraps a handler.
type Middleware func(next HandlerFunc) HandlerFunc

type route struct {
	method  string
	pattern string
	parts   []string
	handler HandlerFunc
}

// router matches method and path against registered patterns. Segments of
// the form {name} capture a path parameter.
type router struct {
	mu     sync.RWMutex
	routes []*route
}

func newRouter() *router { return &router{} }

func (r *router) handle(method, pattern string, h HandlerFunc, mw ...Middleware) {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, &route{
		method:  method,
		pattern: pattern,
		parts:   split(pattern),
		handler: h,
	})
}

// lookup returns the handler for ctx, filling ctx.Params. The boolean
// reports whether the path matched some route under another method.
func (r *router) lookup(ctx *RequestContext) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	method := string(ctx.Method())
	parts := split(string(ctx.Path()))
	pathMatched := false
	for _, rt := range r.routes {
		params, ok := match(rt.parts, parts)
		if !ok {
			continue
		}
		if rt.method != method {
			pathMatched = true
			continue
		}
		ctx.Params = params
		ctx.route = rt.pattern
		return rt.handler, true
	}
	return nil, pathMatched
}

func match(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := make(map[string]string)
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			if path[i] == "" {
				return nil, false
			}
			params[p[1:len(p)-1]] = path[i]
			continue
		}
		if p != path[i] {
			return nil, false
		}
	}
	return params, true
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
