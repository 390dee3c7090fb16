package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxHTMLChars bounds get_html payloads.
	MaxHTMLChars = 15000
	// MaxContextTextChars bounds the body text in get_page_context.
	MaxContextTextChars = 5000
	// TruncationMarker is appended to truncated payloads.
	TruncationMarker = "\n... [truncated]"

	defaultPollInterval = 100 * time.Millisecond
	defaultWaitTimeout  = 5 * time.Second
)

// Scope runs a JavaScript function in the page's main world and returns its
// JSON-encoded return value. Script policy of the page applies.
type Scope interface {
	Call(ctx context.Context, fn string, args ...any) (json.RawMessage, error)
}

// Engine resolves actions against a page scope. It is stateless and safe for
// concurrent use.
type Engine struct {
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets the wait_for_selector poll interval (default 100ms).
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithWaitTimeout sets the default wait_for_selector timeout (default 5s).
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.waitTimeout = d
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{pollInterval: defaultPollInterval, waitTimeout: defaultWaitTimeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

type envelope struct {
	Status  string          `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	X       float64         `json:"x"`
	Y       float64         `json:"y"`
	Message string          `json:"message,omitempty"`
}

// Resolve resolves a into a terminal value, a synthesis directive, or a
// blocked-evaluation signal.
func (e *Engine) Resolve(ctx context.Context, scope Scope, a Action) (Outcome, error) {
	if err := a.Validate(); err != nil {
		return Outcome{}, err
	}

	switch a.Kind {
	case ActionClick:
		return e.directive(ctx, scope, a.Selector, Directive{Kind: DirectiveClick})
	case ActionHover:
		return e.directive(ctx, scope, a.Selector, Directive{Kind: DirectiveHover})
	case ActionType:
		return e.directive(ctx, scope, a.Selector, Directive{Kind: DirectiveType, Text: a.Text})
	case ActionFill:
		return e.directive(ctx, scope, a.Selector, Directive{Kind: DirectiveFill, Text: a.fillValue()})
	case ActionPress:
		d := Directive{Kind: DirectivePress, Key: a.Key, Count: a.pressCount()}
		if a.Selector == "" {
			return Outcome{Directive: &d}, nil
		}
		return e.directive(ctx, scope, a.Selector, d)

	case ActionGetText:
		var text string
		if err := e.query(ctx, scope, a.Selector, &text, getTextJS, a.Selector); err != nil {
			return Outcome{}, err
		}
		return value("text", text), nil

	case ActionGetHTML:
		var html string
		if err := e.query(ctx, scope, a.Selector, &html, getHTMLJS, a.Selector, boolOr(a.Outer, true)); err != nil {
			return Outcome{}, err
		}
		html, truncated := Truncate(html, MaxHTMLChars)
		return Outcome{Value: map[string]any{"html": html, "truncated": truncated}}, nil

	case ActionGetAttribute:
		var attr *string
		if err := e.query(ctx, scope, a.Selector, &attr, getAttributeJS, a.Selector, a.Attribute); err != nil {
			return Outcome{}, err
		}
		return Outcome{Value: map[string]any{"attribute": a.Attribute, "value": attr}}, nil

	case ActionGetURL:
		var url string
		if err := e.query(ctx, scope, "", &url, getURLJS); err != nil {
			return Outcome{}, err
		}
		return value("url", url), nil

	case ActionGetTitle:
		var title string
		if err := e.query(ctx, scope, "", &title, getTitleJS); err != nil {
			return Outcome{}, err
		}
		return value("title", title), nil

	case ActionGetElementRect:
		var rect map[string]float64
		if err := e.query(ctx, scope, a.Selector, &rect, getRectJS, a.Selector); err != nil {
			return Outcome{}, err
		}
		return value("rect", rect), nil

	case ActionGetPageContext:
		pc, err := e.PageContext(ctx, scope)
		if err != nil {
			return Outcome{}, err
		}
		return value("context", pc), nil

	case ActionSelect:
		var selected string
		if err := e.query(ctx, scope, a.Selector, &selected, selectJS, a.Selector, a.Value); err != nil {
			return Outcome{}, err
		}
		return value("selected", selected), nil

	case ActionCheck:
		want := true
		if a.Checked != nil {
			want = *a.Checked
		}
		var checked bool
		if err := e.query(ctx, scope, a.Selector, &checked, checkJS, a.Selector, want); err != nil {
			return Outcome{}, err
		}
		return value("checked", checked), nil

	case ActionScroll:
		var pos map[string]float64
		if err := e.query(ctx, scope, a.Selector, &pos, scrollJS, a.Selector, a.X, a.Y); err != nil {
			return Outcome{}, err
		}
		return value("scroll", pos), nil

	case ActionWaitForSelector:
		return e.waitForSelector(ctx, scope, a)

	case ActionEvaluate:
		return e.evaluate(ctx, scope, a.Script)

	case ActionGoBack, ActionGoForward, ActionReload:
		kind := map[string]string{ActionGoBack: "back", ActionGoForward: "forward", ActionReload: "reload"}[a.Kind]
		var from string
		if err := e.query(ctx, scope, "", &from, historyJS, kind); err != nil {
			return Outcome{}, err
		}
		return value("from", from), nil
	}

	return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedAction, a.Kind)
}

// PageContext reads url, title, visible text, selection and meta description.
func (e *Engine) PageContext(ctx context.Context, scope Scope) (*PageContext, error) {
	var pc PageContext
	if err := e.query(ctx, scope, "", &pc, pageContextJS); err != nil {
		return nil, err
	}
	pc.Text, _ = Truncate(pc.Text, MaxContextTextChars)
	return &pc, nil
}

// Truncate cuts s to n characters and appends TruncationMarker if it did.
func Truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:n]) + TruncationMarker, true
}

func value(key string, v any) Outcome {
	return Outcome{Value: map[string]any{key: v}}
}

func (e *Engine) directive(ctx context.Context, scope Scope, selector string, d Directive) (Outcome, error) {
	env, err := e.call(ctx, scope, selector, locateJS, selector)
	if err != nil {
		return Outcome{}, err
	}
	d.X, d.Y = env.X, env.Y
	d.Selector = selector
	d.HasTarget = true
	return Outcome{Directive: &d}, nil
}

func (e *Engine) waitForSelector(ctx context.Context, scope Scope, a Action) (Outcome, error) {
	timeout := a.timeout(e.waitTimeout)
	visible := boolOr(a.Visible, true)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		var found bool
		if err := e.query(ctx, scope, a.Selector, &found, existsJS, a.Selector, visible); err != nil {
			return Outcome{}, err
		}
		if found {
			return Outcome{Value: map[string]any{"found": true, "selector": a.Selector, "visible": visible}}, nil
		}
		if !time.Now().Before(deadline) {
			state := "present"
			if visible {
				state = "visible"
			}
			return Outcome{}, fmt.Errorf("%w: waiting for %s to be %s after %s", ErrTimeout, a.Selector, state, timeout)
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, scope Scope, script string) (Outcome, error) {
	raw, err := scope.Call(ctx, evaluateJS, script)
	if err != nil {
		return Outcome{}, e.callErr(ctx, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Outcome{}, fmt.Errorf("%w: unexpected script result: %v", ErrEvaluation, err)
	}
	switch env.Status {
	case "ok":
		return value("result", rawOrNull(env.Value)), nil
	case "blocked":
		return Outcome{Blocked: true}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %s", ErrEvaluation, env.Message)
	}
}

// query runs fn and decodes the envelope value into out.
func (e *Engine) query(ctx context.Context, scope Scope, selector string, out any, fn string, args ...any) error {
	env, err := e.call(ctx, scope, selector, fn, args...)
	if err != nil {
		return err
	}
	if len(env.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return fmt.Errorf("%w: decode result: %v", ErrEvaluation, err)
	}
	return nil
}

func (e *Engine) call(ctx context.Context, scope Scope, selector, fn string, args ...any) (*envelope, error) {
	raw, err := scope.Call(ctx, fn, args...)
	if err != nil {
		return nil, e.callErr(ctx, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: unexpected script result: %v", ErrEvaluation, err)
	}
	switch env.Status {
	case "ok":
		return &env, nil
	case "not_found":
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	case "invalid":
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, env.Message)
	default:
		return nil, fmt.Errorf("%w: %s", ErrEvaluation, env.Message)
	}
}

func (e *Engine) callErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrEvaluation, err)
}

func rawOrNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}
