package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultScriptTimeout bounds synchronous script execution when the
// request does not override it.
const DefaultScriptTimeout = 30 * time.Second

// ScriptHandler executes a script synchronously and returns its exit
// status and captured output. Request body: raw script text, or
// {"script": "...", "timeout_ms": <optional override>}.
type ScriptHandler struct {
	Runner  ScriptRunner
	Timeout time.Duration
}

// scriptSource resolves the script text from either the "script" body
// argument or a raw text body.
func scriptSource(req *Request) (string, *Response) {
	if source, ok := req.StringArg("script"); ok && source != "" {
		return source, nil
	}
	if len(req.Body) > 0 {
		return string(req.Body), nil
	}
	return "", Fail(ErrorInvalidArgument, "script source is required: raw body or script argument")
}

func (h *ScriptHandler) Handle(req *Request) *Response {
	source, resp := scriptSource(req)
	if resp != nil {
		return resp
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if ms, ok := req.IntArg("timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()

	res, err := h.Runner.Run(ctx, source)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return FailWithOutput(ErrorTimeout, res.Output,
				"script exceeded timeout of %s", timeout)
		}
		return FailWithOutput(ErrorExecution, res.Output, "%v", err)
	}
	if res.ExitStatus != 0 {
		return FailWithOutput(ErrorExecution, res.Output,
			"script exited with status %d", res.ExitStatus)
	}
	return OK(res)
}

// ScriptStreamHandler executes a script and streams its output as it
// is produced. The response stream stays open until the process exits;
// client disconnect cancels the execution. Live executions also
// publish to the feed hub, when one is attached, so observers can
// follow a run by execution id.
type ScriptStreamHandler struct {
	Runner ScriptRunner
	Feed   *FeedHub

	mu   sync.Mutex
	live map[string]*Execution
}

func (h *ScriptStreamHandler) Handle(req *Request) *Response {
	source, resp := scriptSource(req)
	if resp != nil {
		return resp
	}

	exec, err := h.Runner.Start(req.Context(), source)
	if err != nil {
		return Fail(ErrorExecution, "start script: %v", err)
	}

	h.track(exec)
	stream := NewStream(exec.ID, exec.Cancel)

	go func() {
		defer h.untrack(exec.ID)
		defer stream.Close()

		for chunk := range exec.Output() {
			f := Frame{Type: FrameChunk, Data: chunk}
			stream.Send(f)
			h.publish(exec.ID, f)
		}

		res, err := exec.Wait()
		var terminal Frame
		switch {
		case errors.Is(err, context.Canceled):
			terminal = Frame{Type: FrameError, Error: "execution cancelled"}
		case errors.Is(err, context.DeadlineExceeded):
			terminal = Frame{Type: FrameError, Error: "execution timed out"}
		case err != nil:
			terminal = Frame{Type: FrameError, Error: err.Error()}
		default:
			terminal = Frame{Type: FrameEnd, ExitStatus: res.ExitStatus}
		}
		stream.Send(terminal)
		h.publish(exec.ID, terminal)

		log.Printf("[script] execution %s finished (req %s)", exec.ID, req.ID)
	}()

	return Streamed(stream)
}

// Live lists the ids of executions currently running.
func (h *ScriptStreamHandler) Live() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	return ids
}

func (h *ScriptStreamHandler) track(e *Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live == nil {
		h.live = make(map[string]*Execution)
	}
	h.live[e.ID] = e
}

func (h *ScriptStreamHandler) untrack(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, id)
}

func (h *ScriptStreamHandler) publish(id string, f Frame) {
	if h.Feed != nil {
		h.Feed.Publish(id, f)
	}
}

// RegisterScriptRoutes binds the script command family.
func RegisterScriptRoutes(r *Router, runner ScriptRunner, feed *FeedHub, timeout time.Duration) (*ScriptStreamHandler, error) {
	if runner == nil {
		return nil, fmt.Errorf("script routes: nil runner")
	}

	if err := r.Register("POST", "/script", &ScriptHandler{Runner: runner, Timeout: timeout}); err != nil {
		return nil, err
	}

	streamHandler := &ScriptStreamHandler{Runner: runner, Feed: feed}
	if err := r.Register("POST", "/script/stream", streamHandler); err != nil {
		return nil, err
	}
	return streamHandler, nil
}
