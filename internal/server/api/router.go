package api

import (
	"context"
	"log/slog"
	"strings"
)

// Request carries the path params and the raw payload of one API command.
type Request struct {
	Ctx     context.Context
	Params  map[string]string
	Payload string
}

// Response holds the JSON line sent back to the client.
type Response struct {
	JSON string
}

// HandlerFunc serves one command. The logger is scoped to the connection.
type HandlerFunc func(req *Request, res *Response, logger *slog.Logger) error

// segment is a literal path element, or a {param} when param is set.
type segment struct {
	lit   string
	param string
}

type route struct {
	pattern string
	segs    []segment
	handler HandlerFunc
}

// Router matches slash-separated paths against patterns such as
// "session/{id}/test". Literals compare case-insensitively and the first
// registered match wins.
type Router struct {
	routes []route
}

func NewRouter() *Router { return &Router{} }

func (r *Router) Register(pattern string, handler HandlerFunc) {
	rt := route{pattern: pattern, handler: handler}
	for _, el := range strings.Split(pattern, "/") {
		if name, ok := strings.CutPrefix(el, "{"); ok && strings.HasSuffix(name, "}") {
			rt.segs = append(rt.segs, segment{param: strings.TrimSuffix(name, "}")})
			continue
		}
		rt.segs = append(rt.segs, segment{lit: strings.ToLower(el)})
	}
	r.routes = append(r.routes, rt)
}

// Patterns lists the registered patterns in registration order.
func (r *Router) Patterns() []string {
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.pattern
	}
	return out
}

// Match returns the handler for path and its params, or nil. Param values
// are lowercased like the rest of the path and never empty.
func (r *Router) Match(path string) (HandlerFunc, map[string]string) {
	els := strings.Split(strings.ToLower(path), "/")
	for _, rt := range r.routes {
		if params, ok := rt.match(els); ok {
			return rt.handler, params
		}
	}
	return nil, nil
}

func (rt route) match(els []string) (map[string]string, bool) {
	if len(els) != len(rt.segs) {
		return nil, false
	}
	params := map[string]string{}
	for i, s := range rt.segs {
		switch {
		case s.param == "" && s.lit != els[i]:
			return nil, false
		case s.param != "" && els[i] == "":
			return nil, false
		case s.param != "":
			params[s.param] = els[i]
		}
	}
	return params, true
}
