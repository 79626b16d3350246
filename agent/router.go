package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
)

// ErrDuplicateRoute is returned by Register when a (method, pattern)
// pair would shadow an already registered route.
var ErrDuplicateRoute = errors.New("duplicate route registration")

// Handler is the contract every command family implements. A handler
// must return a non-nil response and confine its side effects; panics
// are caught at the router boundary and never reach the transport.
type Handler interface {
	Handle(req *Request) *Response
}

// HandlerFunc adapts a plain function to the Handler contract.
type HandlerFunc func(req *Request) *Response

func (f HandlerFunc) Handle(req *Request) *Response {
	return f(req)
}

type boundRoute struct {
	route   Route
	handler Handler
}

// Router maps incoming requests to registered handlers. Registration
// happens once at startup; dispatch is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes []*boundRoute
}

func NewRouter() *Router {
	return &Router{}
}

// Register binds a handler to method+pattern. Fails immediately on a
// malformed pattern or a route that shadows an existing registration,
// so misconfiguration surfaces at startup rather than at request time.
func (r *Router) Register(method, pattern string, h Handler) error {
	if h == nil {
		return fmt.Errorf("route %s %s: nil handler", method, pattern)
	}

	route, err := parseRoute(method, pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.routes {
		if b.route.Method == route.Method && b.route.shadows(&route) {
			return fmt.Errorf("%w: %s %s shadows %s %s",
				ErrDuplicateRoute, method, pattern, b.route.Method, b.route.Pattern)
		}
	}

	r.routes = append(r.routes, &boundRoute{route: route, handler: h})
	return nil
}

// HandleFunc registers a plain function as a handler.
func (r *Router) HandleFunc(method, pattern string, f func(*Request) *Response) error {
	return r.Register(method, pattern, HandlerFunc(f))
}

// Routes returns the registered routes, for startup logging.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, 0, len(r.routes))
	for _, b := range r.routes {
		out = append(out, b.route)
	}
	return out
}

// Dispatch matches the request against the route table and invokes the
// handler. Literal segments outrank parameter segments at the same
// position. A path that matches no route yields not_found; a path that
// matches under a different method yields method_not_allowed.
func (r *Router) Dispatch(req *Request) *Response {
	parts := splitPath(req.Path)

	r.mu.RLock()
	var best *boundRoute
	var bestParams map[string]string
	pathMatched := false

	for _, b := range r.routes {
		params, ok := b.route.match(parts)
		if !ok {
			continue
		}
		pathMatched = true
		if b.route.Method != req.Method {
			continue
		}
		if best == nil || b.route.moreSpecific(&best.route) {
			best = b
			bestParams = params
		}
	}
	r.mu.RUnlock()

	if best == nil {
		if pathMatched {
			return Fail(ErrorMethodNotAllowed, "method %s not allowed for %s", req.Method, req.Path)
		}
		return Fail(ErrorNotFound, "no route for %s %s", req.Method, req.Path)
	}

	req.Params = bestParams
	return r.invoke(best, req)
}

// invoke runs the handler inside the per-request failure boundary. A
// panic is converted to an internal_error response; the router itself
// stays alive for subsequent requests.
func (r *Router) invoke(b *boundRoute, req *Request) (resp *Response) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[router] panic in %s %s (req %s): %v\n%s",
				b.route.Method, b.route.Pattern, req.ID, p, debug.Stack())
			resp = Fail(ErrorInternal, "internal error handling %s %s", req.Method, req.Path)
		}
	}()

	resp = b.handler.Handle(req)
	if resp == nil {
		log.Printf("[router] handler for %s %s returned nil response", b.route.Method, b.route.Pattern)
		resp = Fail(ErrorInternal, "handler produced no response")
	}
	return resp
}

// ServeStream forwards frames from a streamed response to the transport
// sink, in production order, until the terminal frame. Cancellation of
// ctx (client disconnect) cancels the producer; the stream is then
// drained so the producer can finish closing it. Errors terminate the
// stream with an error frame rather than silently truncating.
func (r *Router) ServeStream(ctx context.Context, s *Stream, sink StreamSink) error {
	defer s.Cancel()

	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				// Producer closed without a terminal frame.
				return sink.Close(Frame{Type: FrameError, Error: "stream closed unexpectedly"})
			}
			switch f.Type {
			case FrameChunk:
				if err := sink.WriteChunk([]byte(f.Data)); err != nil {
					s.Cancel()
					drainStream(s)
					return fmt.Errorf("write stream chunk: %w", err)
				}
			case FrameEnd, FrameError:
				err := sink.Close(f)
				drainStream(s)
				return err
			default:
				s.Cancel()
				drainStream(s)
				return fmt.Errorf("unknown stream frame type: %q", f.Type)
			}

		case <-ctx.Done():
			s.Cancel()
			drainStream(s)
			return ctx.Err()
		}
	}
}

// drainStream unblocks the producer after the consumer stops caring.
func drainStream(s *Stream) {
	for range s.Frames() {
	}
}
