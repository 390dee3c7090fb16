// Package dispatch serves server-initiated requests: it routes each method to
// its handler and frames exactly one response per request.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/browserbridge/internal/resolve"
	"github.com/nextlevelbuilder/browserbridge/internal/synth"
	"github.com/nextlevelbuilder/browserbridge/pkg/browser"
	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

const tracerName = "github.com/nextlevelbuilder/browserbridge/internal/dispatch"

// DefaultHandlerTimeout bounds a single request when no WithHandlerTimeout
// is given. It matches the bridge request timeout.
const DefaultHandlerTimeout = 30 * time.Second

// Handler serves one method. A nil error frames result as a success response.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Router maps server methods to handlers.
type Router struct {
	svc     *Service
	limiter *RateLimiter
	tracer  trace.Tracer
	timeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRateLimiter enables per-method rate limiting.
func WithRateLimiter(rl *RateLimiter) RouterOption {
	return func(r *Router) { r.limiter = rl }
}

// WithHandlerTimeout bounds how long a handler may run before the request
// is answered with TIMEOUT (default 30s).
func WithHandlerTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRouter creates a Router over svc.
func NewRouter(svc *Service, opts ...RouterOption) *Router {
	r := &Router{svc: svc, tracer: otel.Tracer(tracerName), timeout: DefaultHandlerTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// handlerFor returns the handler bound to m, or nil for unknown methods.
func (r *Router) handlerFor(m protocol.Method) Handler {
	switch m {
	case protocol.MethodGetTabs:
		return r.svc.GetTabs
	case protocol.MethodScreenshot:
		return r.svc.Screenshot
	case protocol.MethodNavigate:
		return r.svc.Navigate
	case protocol.MethodExecAction:
		return r.svc.ExecAction
	}
	return nil
}

type handlerResult struct {
	value    any
	err      error
	panicked bool
}

// HandleRequest serves req and always returns a response frame for req.ID,
// at the latest when the handler timeout expires.
func (r *Router) HandleRequest(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	h := r.handlerFor(protocol.Method(req.Method))
	if h == nil {
		slog.Warn("unknown method", "method", req.Method, "req_id", req.ID)
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method)
	}
	if !r.limiter.Allow(req.Method) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded for "+req.Method)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "dispatch "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", req.Method),
			attribute.String("rpc.request_id", req.ID),
		))
	defer span.End()

	slog.Debug("handling method", "method", req.Method, "req_id", req.ID)

	// The handler runs on its own goroutine so a call that ignores ctx still
	// cannot hold the response past the deadline.
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("handler panic", "method", req.Method, "req_id", req.ID, "panic", p, "stack", string(debug.Stack()))
				done <- handlerResult{err: fmt.Errorf("internal error: %v", p), panicked: true}
			}
		}()
		v, err := h(ctx, req.Params)
		done <- handlerResult{value: v, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%s did not complete: %w", req.Method, ctx.Err())
	}

	if res.panicked {
		span.SetStatus(codes.Error, "panic")
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, res.err.Error())
	}
	if res.err != nil {
		code := ErrorCode(res.err)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, code)
		slog.Warn("method failed", "method", req.Method, "req_id", req.ID, "code", code, "error", res.err)
		return protocol.NewErrorResponse(req.ID, code, res.err.Error())
	}
	return protocol.NewOKResponse(req.ID, res.value)
}

// errInvalidParams marks malformed request params.
var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

// ErrorCode maps a handler error to its wire error code.
func ErrorCode(err error) string {
	var pe *protocol.Error
	var ee *synth.EvalError
	switch {
	case errors.As(err, &pe):
		return pe.Code
	case errors.Is(err, resolve.ErrElementNotFound),
		errors.Is(err, browser.ErrTabNotFound),
		errors.Is(err, browser.ErrNoTabs):
		return protocol.ErrNotFound
	case errors.Is(err, resolve.ErrTimeout),
		errors.Is(err, browser.ErrNavigationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrTimeout
	case errors.Is(err, browser.ErrRestrictedURL):
		return protocol.ErrRestricted
	case errors.Is(err, errInvalidParams),
		errors.Is(err, resolve.ErrInvalidAction),
		errors.Is(err, resolve.ErrUnsupportedAction):
		return protocol.ErrInvalidParams
	case errors.Is(err, resolve.ErrEvaluation), errors.As(err, &ee):
		return protocol.ErrEvaluation
	}
	return protocol.ErrInternal
}
