package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

const defaultSettleDelay = 100 * time.Millisecond

// EvalError is an exception thrown by a privileged evaluation.
type EvalError struct {
	Text        string
	Line        int
	Column      int
	Description string
}

func (e *EvalError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Text
	}
	return fmt.Sprintf("script exception at %d:%d: %s", e.Line, e.Column, msg)
}

// Engine issues input and evaluation commands over per-tab sessions.
type Engine struct {
	sessions *Sessions
	settle   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettleDelay sets the pause between focusing click and text insertion
// in Type (default 100ms).
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.settle = d
		}
	}
}

// New creates an Engine over sessions.
func New(sessions *Sessions, opts ...Option) *Engine {
	e := &Engine{sessions: sessions, settle: defaultSettleDelay}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Sessions returns the session registry.
func (e *Engine) Sessions() *Sessions { return e.sessions }

// Click presses and releases the left button once at (x, y).
func (e *Engine) Click(ctx context.Context, tabID string, x, y float64) error {
	return e.with(ctx, tabID, func(c proto.Client) error {
		return clickAt(c, x, y, 1)
	})
}

// Hover moves the pointer to (x, y) without pressing.
func (e *Engine) Hover(ctx context.Context, tabID string, x, y float64) error {
	return e.with(ctx, tabID, func(c proto.Client) error {
		return proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    x,
			Y:    y,
		}.Call(c)
	})
}

// Type focuses (x, y) with a click, waits the settle delay, then inserts text.
func (e *Engine) Type(ctx context.Context, tabID string, x, y float64, text string) error {
	if err := e.Click(ctx, tabID, x, y); err != nil {
		return err
	}
	if e.settle > 0 {
		t := time.NewTimer(e.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return e.InsertText(ctx, tabID, text)
}

// Fill triple-clicks (x, y) to select the current content, then inserts value.
func (e *Engine) Fill(ctx context.Context, tabID string, x, y float64, value string) error {
	err := e.with(ctx, tabID, func(c proto.Client) error {
		for count := 1; count <= 3; count++ {
			if err := clickAt(c, x, y, count); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.InsertText(ctx, tabID, value)
}

// InsertText inserts text at the focused element. The page-level
// execCommand path is tried first; if the page refuses it, Input.insertText
// is used.
func (e *Engine) InsertText(ctx context.Context, tabID, text string) error {
	return e.with(ctx, tabID, func(c proto.Client) error {
		quoted, _ := json.Marshal(text)
		res, err := proto.RuntimeEvaluate{
			Expression:    "document.execCommand('insertText', false, " + string(quoted) + ")",
			ReturnByValue: true,
			UserGesture:   true,
		}.Call(c)
		if err == nil && res.ExceptionDetails == nil && res.Result != nil && res.Result.Value.Bool() {
			return nil
		}
		if err != nil && staleSession(err) {
			return err
		}
		slog.Debug("synth execCommand insertText refused, using Input.insertText", "tab", tabID)
		return proto.InputInsertText{Text: text}.Call(c)
	})
}

// Press sends keyDown/keyUp for key ("Enter", "a", "Control+a").
func (e *Engine) Press(ctx context.Context, tabID, key string) error {
	events, err := parseKey(key)
	if err != nil {
		return err
	}
	return e.with(ctx, tabID, func(c proto.Client) error {
		for _, ev := range events {
			if err := ev.Call(c); err != nil {
				return fmt.Errorf("key %s: %w", ev.Type, err)
			}
		}
		return nil
	})
}

// Evaluate runs script through the debugging channel, outside the page's
// script policy, awaiting any returned promise. Exceptions come back as
// *EvalError. Scripts using a top-level return are retried as an async
// function body.
func (e *Engine) Evaluate(ctx context.Context, tabID, script string) (json.RawMessage, error) {
	var out json.RawMessage
	err := e.with(ctx, tabID, func(c proto.Client) error {
		v, err := evaluate(c, script)
		var ee *EvalError
		if errors.As(err, &ee) && strings.Contains(ee.Description+ee.Text, "Illegal return statement") {
			v, err = evaluate(c, "(async () => {\n"+script+"\n})()")
		}
		out = v
		return err
	})
	return out, err
}

// with runs fn against the tab's session, forgetting the session when the
// browser reports it gone so the next call re-attaches.
func (e *Engine) with(ctx context.Context, tabID string, fn func(c proto.Client) error) error {
	c, err := e.sessions.Attach(ctx, tabID)
	if err != nil {
		return err
	}
	err = fn(boundClient{ctx: ctx, c: c})
	if staleSession(err) {
		e.sessions.Forget(tabID)
	}
	return err
}

func clickAt(c proto.Client, x, y float64, count int) error {
	press := proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMousePressed,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: count,
	}
	if err := press.Call(c); err != nil {
		return fmt.Errorf("mouse press: %w", err)
	}
	release := press
	release.Type = proto.InputDispatchMouseEventTypeMouseReleased
	if err := release.Call(c); err != nil {
		return fmt.Errorf("mouse release: %w", err)
	}
	return nil
}

func evaluate(c proto.Client, expr string) (json.RawMessage, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		ReturnByValue: true,
		AwaitPromise:  true,
		UserGesture:   true,
	}.Call(c)
	if err != nil {
		return nil, err
	}
	if d := res.ExceptionDetails; d != nil {
		ee := &EvalError{Text: d.Text, Line: d.LineNumber, Column: d.ColumnNumber}
		if d.Exception != nil {
			ee.Description = d.Exception.Description
		}
		return nil, ee
	}
	if res.Result == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Result.Value.MarshalJSON()
	if err != nil || len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}
