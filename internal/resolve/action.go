// Package resolve turns a logical browser action (selector, text) into either
// a terminal result or a synthesis directive, by running small functions in
// the page's own document. It never fabricates input events itself.
package resolve

import (
	"errors"
	"fmt"
	"time"
)

// Action kinds accepted by browser.exec_action.
const (
	ActionClick           = "click"
	ActionHover           = "hover"
	ActionType            = "type"
	ActionFill            = "fill"
	ActionPress           = "press"
	ActionGetText         = "get_text"
	ActionGetHTML         = "get_html"
	ActionGetAttribute    = "get_attribute"
	ActionGetURL          = "get_url"
	ActionGetTitle        = "get_title"
	ActionGetElementRect  = "get_element_rect"
	ActionGetPageContext  = "get_page_context"
	ActionSelect          = "select"
	ActionCheck           = "check"
	ActionScroll          = "scroll"
	ActionWaitForSelector = "wait_for_selector"
	ActionEvaluate        = "evaluate"
	ActionGoBack          = "go_back"
	ActionGoForward       = "go_forward"
	ActionReload          = "reload"
)

var (
	ErrElementNotFound   = errors.New("element not found")
	ErrTimeout           = errors.New("timed out")
	ErrInvalidAction     = errors.New("invalid action")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrEvaluation        = errors.New("evaluation failed")
)

// Action is the params object of browser.exec_action.
type Action struct {
	Kind      string  `json:"action"`
	TabID     string  `json:"tab_id,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	Text      string  `json:"text,omitempty"`
	Value     string  `json:"value,omitempty"`
	Script    string  `json:"script,omitempty"`
	Attribute string  `json:"attribute,omitempty"`
	Checked   *bool   `json:"checked,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Key       string  `json:"key,omitempty"`
	Count     int     `json:"count,omitempty"`   // press repetitions, default 1
	Outer     *bool   `json:"outer,omitempty"`   // get_html: outerHTML (default) or innerHTML
	Visible   *bool   `json:"visible,omitempty"` // wait_for_selector: require visibility (default true)
	Timeout   int     `json:"timeout,omitempty"` // milliseconds
}

// MaxPressCount bounds press.count.
const MaxPressCount = 100

// Validate checks that the fields required by the action kind are present.
func (a Action) Validate() error {
	need := func(field, v string) error {
		if v == "" {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidAction, a.Kind, field)
		}
		return nil
	}

	switch a.Kind {
	case "":
		return fmt.Errorf("%w: missing action", ErrInvalidAction)
	case ActionClick, ActionHover, ActionCheck, ActionWaitForSelector, ActionGetElementRect:
		return need("selector", a.Selector)
	case ActionType:
		if err := need("selector", a.Selector); err != nil {
			return err
		}
		return need("text", a.Text)
	case ActionFill:
		if err := need("selector", a.Selector); err != nil {
			return err
		}
		if a.Value == "" && a.Text == "" {
			return fmt.Errorf("%w: fill requires value", ErrInvalidAction)
		}
	case ActionSelect:
		if err := need("selector", a.Selector); err != nil {
			return err
		}
		return need("value", a.Value)
	case ActionGetAttribute:
		if err := need("selector", a.Selector); err != nil {
			return err
		}
		return need("attribute", a.Attribute)
	case ActionEvaluate:
		return need("script", a.Script)
	case ActionPress:
		if a.Count < 0 || a.Count > MaxPressCount {
			return fmt.Errorf("%w: press count must be within 1..%d", ErrInvalidAction, MaxPressCount)
		}
		return need("key", a.Key)
	case ActionGetText, ActionGetHTML, ActionGetURL, ActionGetTitle, ActionGetPageContext,
		ActionScroll, ActionGoBack, ActionGoForward, ActionReload:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, a.Kind)
	}
	return nil
}

// fillValue is the replacement text for fill; value wins over text.
func (a Action) fillValue() string {
	if a.Value != "" {
		return a.Value
	}
	return a.Text
}

func (a Action) pressCount() int {
	if a.Count <= 0 {
		return 1
	}
	return a.Count
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (a Action) timeout(def time.Duration) time.Duration {
	if a.Timeout > 0 {
		return time.Duration(a.Timeout) * time.Millisecond
	}
	return def
}

// DirectiveKind names the input the caller must synthesize.
type DirectiveKind string

const (
	DirectiveClick DirectiveKind = "click"
	DirectiveType  DirectiveKind = "type"
	DirectiveFill  DirectiveKind = "fill"
	DirectiveHover DirectiveKind = "hover"
	DirectivePress DirectiveKind = "press"
)

// Directive asks the caller to synthesize input at viewport coordinates.
// For press, HasTarget is false when no selector was given and the key goes
// to whatever currently has focus.
type Directive struct {
	Kind      DirectiveKind `json:"kind"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Text      string        `json:"text,omitempty"`
	Key       string        `json:"key,omitempty"`
	Count     int           `json:"count,omitempty"`
	Selector  string        `json:"selector,omitempty"`
	HasTarget bool          `json:"-"`
}

// Outcome is the result of resolving one action. Exactly one of Value,
// Directive or Blocked is set.
type Outcome struct {
	Value     map[string]any
	Directive *Directive
	// Blocked reports that evaluate was refused by the page's script policy
	// and must be retried through privileged execution.
	Blocked bool
}

// PageContext summarizes the page a chat message was written on.
type PageContext struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Text        string `json:"text,omitempty"`
	Selection   string `json:"selection,omitempty"`
	Description string `json:"description,omitempty"`
}
