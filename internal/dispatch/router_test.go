package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/browserbridge/internal/resolve"
	"github.com/nextlevelbuilder/browserbridge/internal/synth"
	"github.com/nextlevelbuilder/browserbridge/pkg/browser"
	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

type scopeFunc func(fn string, args []any) (string, error)

func (f scopeFunc) Call(_ context.Context, fn string, args ...any) (json.RawMessage, error) {
	s, err := f(fn, args)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

type fakeHost struct {
	mu        sync.Mutex
	tabs      []browser.Tab // tabs[0] is the active tab
	scope     resolve.Scope
	created   []string
	navigated []string
	captures  int
	scoped    int
	navErr    error
	image     []byte
	panicky   bool
}

func (h *fakeHost) Tabs(context.Context) ([]browser.Tab, error) {
	if h.panicky {
		panic("tabs exploded")
	}
	return h.tabs, nil
}

func (h *fakeHost) Tab(_ context.Context, id string) (*browser.Tab, error) {
	if id == "" {
		if len(h.tabs) == 0 {
			return nil, browser.ErrNoTabs
		}
		t := h.tabs[0]
		return &t, nil
	}
	for _, t := range h.tabs {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", browser.ErrTabNotFound, id)
}

func (h *fakeHost) CreateTab(_ context.Context, url string, _ time.Duration) (*browser.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, url)
	return &browser.Tab{ID: "new-tab", URL: url, Title: "New", Active: true}, nil
}

func (h *fakeHost) Navigate(_ context.Context, id, url string, _ time.Duration) (*browser.Tab, error) {
	if h.navErr != nil {
		return nil, h.navErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigated = append(h.navigated, id+" "+url)
	return &browser.Tab{ID: id, URL: url, Title: "Loaded", Active: true}, nil
}

func (h *fakeHost) CaptureVisible(ctx context.Context, id, format string, _ int) (*browser.Capture, error) {
	h.captures++
	t, err := h.Tab(ctx, id)
	if err != nil {
		return nil, err
	}
	return &browser.Capture{Data: h.image, Format: format, Tab: *t}, nil
}

func (h *fakeHost) PageScope(string) resolve.Scope {
	h.scoped++
	return h.scope
}

type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	eval  json.RawMessage
}

func (s *fakeSynth) record(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeSynth) Click(_ context.Context, tab string, x, y float64) error {
	s.record("click %s %v %v", tab, x, y)
	return nil
}

func (s *fakeSynth) Hover(_ context.Context, tab string, x, y float64) error {
	s.record("hover %s %v %v", tab, x, y)
	return nil
}

func (s *fakeSynth) Type(_ context.Context, tab string, x, y float64, text string) error {
	s.record("type %s %v %v %s", tab, x, y, text)
	return nil
}

func (s *fakeSynth) Fill(_ context.Context, tab string, x, y float64, value string) error {
	s.record("fill %s %v %v %s", tab, x, y, value)
	return nil
}

func (s *fakeSynth) Press(_ context.Context, tab, key string) error {
	s.record("press %s %s", tab, key)
	return nil
}

func (s *fakeSynth) Evaluate(_ context.Context, tab, script string) (json.RawMessage, error) {
	s.record("evaluate %s %s", tab, script)
	return s.eval, nil
}

func always(reply string) scopeFunc {
	return func(string, []any) (string, error) { return reply, nil }
}

func newTestRouter(h *fakeHost, s *fakeSynth, opts ...RouterOption) *Router {
	svc := NewService(h, resolve.New(), s, time.Second)
	return NewRouter(svc, opts...)
}

func call(t *testing.T, r *Router, method string, params any) *protocol.ResponseFrame {
	t.Helper()
	raw, _ := json.Marshal(params)
	resp := r.HandleRequest(context.Background(), &protocol.RequestFrame{
		Frame:  protocol.FrameTypeRequest,
		ID:     "req-1",
		Method: method,
		Params: raw,
	})
	if resp == nil {
		t.Fatal("nil response")
	}
	if resp.ID != "req-1" {
		t.Fatalf("response id = %q", resp.ID)
	}
	return resp
}

func result(t *testing.T, resp *protocol.ResponseFrame) map[string]any {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	var m map[string]any
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return m
}

func wantCode(t *testing.T, resp *protocol.ResponseFrame, code string) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected %s error, got result %s", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("code = %s (%s), want %s", resp.Error.Code, resp.Error.Message, code)
	}
}

func TestRouter_EveryMethodBound(t *testing.T) {
	r := newTestRouter(&fakeHost{}, &fakeSynth{})
	for _, m := range protocol.ServerMethods {
		if r.handlerFor(m) == nil {
			t.Errorf("method %s has no handler", m)
		}
	}
}

func TestRouter_UnknownMethod(t *testing.T) {
	r := newTestRouter(&fakeHost{}, &fakeSynth{})
	resp := call(t, r, "browser.teleport", nil)
	wantCode(t, resp, protocol.ErrUnknownMethod)
	if !strings.Contains(resp.Error.Message, "browser.teleport") {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestRouter_PanicBecomesInternalError(t *testing.T) {
	r := newTestRouter(&fakeHost{panicky: true}, &fakeSynth{})
	resp := call(t, r, string(protocol.MethodGetTabs), nil)
	wantCode(t, resp, protocol.ErrInternal)
}

// blockingScope never settles on its own: it returns only when ctx is done,
// or never when ignoreCtx is set.
type blockingScope struct {
	ignoreCtx   bool
	release     chan struct{}
	hadDeadline chan bool
}

func (s *blockingScope) Call(ctx context.Context, _ string, _ ...any) (json.RawMessage, error) {
	_, ok := ctx.Deadline()
	select {
	case s.hadDeadline <- ok:
	default:
	}
	if s.ignoreCtx {
		<-s.release
		return nil, errors.New("released")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func callWithin(t *testing.T, r *Router, method string, params any, limit time.Duration) *protocol.ResponseFrame {
	t.Helper()
	got := make(chan *protocol.ResponseFrame, 1)
	go func() { got <- call(t, r, method, params) }()
	select {
	case resp := <-got:
		return resp
	case <-time.After(limit):
		t.Fatalf("%s not answered within %s", method, limit)
		return nil
	}
}

func TestRouter_UnsettledEvaluateTimesOut(t *testing.T) {
	scope := &blockingScope{hadDeadline: make(chan bool, 1)}
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}, scope: scope}
	r := newTestRouter(h, &fakeSynth{}, WithHandlerTimeout(50*time.Millisecond))

	resp := callWithin(t, r, string(protocol.MethodExecAction),
		map[string]any{"action": "evaluate", "script": "new Promise(() => {})"}, 2*time.Second)
	wantCode(t, resp, protocol.ErrTimeout)
	if !<-scope.hadDeadline {
		t.Error("page scope ran without a deadline")
	}
}

func TestRouter_HandlerIgnoringContextStillAnswered(t *testing.T) {
	scope := &blockingScope{ignoreCtx: true, release: make(chan struct{}), hadDeadline: make(chan bool, 1)}
	t.Cleanup(func() { close(scope.release) })
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}, scope: scope}
	r := newTestRouter(h, &fakeSynth{}, WithHandlerTimeout(50*time.Millisecond))

	resp := callWithin(t, r, string(protocol.MethodExecAction),
		map[string]any{"action": "get_title"}, 2*time.Second)
	wantCode(t, resp, protocol.ErrTimeout)
}

func TestRouter_DefaultHandlerTimeout(t *testing.T) {
	r := newTestRouter(&fakeHost{}, &fakeSynth{})
	if r.timeout != DefaultHandlerTimeout {
		t.Errorf("timeout = %s, want %s", r.timeout, DefaultHandlerTimeout)
	}
	r = newTestRouter(&fakeHost{}, &fakeSynth{}, WithHandlerTimeout(-time.Second))
	if r.timeout != DefaultHandlerTimeout {
		t.Errorf("negative timeout applied: %s", r.timeout)
	}
}

func TestRouter_RateLimited(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}}
	r := newTestRouter(h, &fakeSynth{}, WithRateLimiter(NewRateLimiter(1, 1)))
	result(t, call(t, r, string(protocol.MethodGetTabs), nil))
	wantCode(t, call(t, r, string(protocol.MethodGetTabs), nil), protocol.ErrRateLimited)
}

func TestGetTabs(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{
		{ID: "t1", URL: "https://a.test", Title: "A", Active: true},
		{ID: "t2", URL: "https://b.test", Title: "B"},
	}}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodGetTabs), nil))
	tabs, ok := m["tabs"].([]any)
	if !ok || len(tabs) != 2 {
		t.Fatalf("tabs = %v", m["tabs"])
	}
	first := tabs[0].(map[string]any)
	if first["id"] != "t1" || first["active"] != true {
		t.Errorf("first tab = %v", first)
	}
}

func TestNavigate_PrivilegedActiveTabOpensNewTab(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "settings", URL: "chrome://settings", Active: true}}}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodNavigate),
		map[string]string{"url": "https://example.com"}))

	if m["tab_id"] != "new-tab" {
		t.Errorf("tab_id = %v, want the new tab", m["tab_id"])
	}
	if m["new_tab"] != true {
		t.Error("new_tab flag not set")
	}
	if len(h.navigated) != 0 {
		t.Errorf("privileged tab was navigated in place: %v", h.navigated)
	}
	if len(h.created) != 1 || h.created[0] != "https://example.com" {
		t.Errorf("created = %v", h.created)
	}
}

func TestNavigate_InPlace(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://old.test", Active: true}}}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodNavigate),
		map[string]string{"url": "example.com/path"}))
	if m["tab_id"] != "t1" || m["new_tab"] != false {
		t.Errorf("unexpected result: %v", m)
	}
	if len(h.navigated) != 1 || h.navigated[0] != "t1 https://example.com/path" {
		t.Errorf("navigated = %v", h.navigated)
	}
}

func TestNavigate_NoTabsOpensNewTab(t *testing.T) {
	h := &fakeHost{}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodNavigate),
		map[string]string{"url": "https://example.com"}))
	if m["new_tab"] != true {
		t.Errorf("unexpected result: %v", m)
	}
}

func TestNavigate_Errors(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}}
	r := newTestRouter(h, &fakeSynth{})

	wantCode(t, call(t, r, string(protocol.MethodNavigate), map[string]string{}), protocol.ErrInvalidParams)
	wantCode(t, call(t, r, string(protocol.MethodNavigate), map[string]string{"url": "chrome://flags"}), protocol.ErrRestricted)
	wantCode(t, call(t, r, string(protocol.MethodNavigate), map[string]string{"url": "https://x.test", "tab_id": "nope"}), protocol.ErrNotFound)

	h.navErr = fmt.Errorf("%w: https://slow.test after 1s", browser.ErrNavigationTimeout)
	wantCode(t, call(t, r, string(protocol.MethodNavigate), map[string]string{"url": "https://slow.test"}), protocol.ErrTimeout)
}

func TestExecAction_TypeMissingElement(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "https://search.test"}},
		scope: always(`{"status":"not_found"}`),
	}
	s := &fakeSynth{}
	resp := call(t, newTestRouter(h, s), string(protocol.MethodExecAction),
		map[string]string{"action": "type", "selector": "#q", "text": "hello"})

	wantCode(t, resp, protocol.ErrNotFound)
	if !strings.Contains(resp.Error.Message, "element not found") {
		t.Errorf("message = %q", resp.Error.Message)
	}
	if len(s.calls) != 0 {
		t.Errorf("synthesis attempted: %v", s.calls)
	}
}

func TestExecAction_ClickSynthesizes(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "https://a.test"}},
		scope: always(`{"status":"ok","x":10,"y":20}`),
	}
	s := &fakeSynth{}
	m := result(t, call(t, newTestRouter(h, s), string(protocol.MethodExecAction),
		map[string]string{"action": "click", "selector": "button.go"}))

	if m["success"] != true || m["action"] != "click" {
		t.Errorf("unexpected result: %v", m)
	}
	if len(s.calls) != 1 || s.calls[0] != "click t1 10 20" {
		t.Errorf("synth calls = %v", s.calls)
	}
}

func TestExecAction_PressOnElementFocusesFirst(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "https://a.test"}},
		scope: always(`{"status":"ok","x":1,"y":2}`),
	}
	s := &fakeSynth{}
	result(t, call(t, newTestRouter(h, s), string(protocol.MethodExecAction),
		map[string]string{"action": "press", "selector": "#q", "key": "Enter"}))
	if len(s.calls) != 2 || s.calls[0] != "click t1 1 2" || s.calls[1] != "press t1 Enter" {
		t.Errorf("synth calls = %v", s.calls)
	}
}

func TestExecAction_PressRepeatsCount(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}, scope: always(`{}`)}
	s := &fakeSynth{}
	result(t, call(t, newTestRouter(h, s), string(protocol.MethodExecAction),
		map[string]any{"action": "press", "key": "ArrowDown", "count": 3}))
	if len(s.calls) != 3 {
		t.Fatalf("synth calls = %v, want 3 presses", s.calls)
	}
	for _, c := range s.calls {
		if c != "press t1 ArrowDown" {
			t.Errorf("unexpected call %q", c)
		}
	}
}

func TestExecAction_BlockedEvaluateEscalates(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "https://strict-csp.test"}},
		scope: always(`{"status":"blocked","message":"unsafe-eval"}`),
	}
	s := &fakeSynth{eval: json.RawMessage(`2`)}
	m := result(t, call(t, newTestRouter(h, s), string(protocol.MethodExecAction),
		map[string]string{"action": "evaluate", "script": "1+1"}))

	if m["privileged"] != true || m["result"] != 2.0 {
		t.Errorf("unexpected result: %v", m)
	}
	if len(s.calls) != 1 || s.calls[0] != "evaluate t1 1+1" {
		t.Errorf("synth calls = %v", s.calls)
	}
}

func TestExecAction_ValueMerged(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "https://a.test"}},
		scope: always(`{"status":"ok","value":"Example Domain"}`),
	}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodExecAction),
		map[string]string{"action": "get_title"}))
	if m["title"] != "Example Domain" || m["tab_id"] != "t1" {
		t.Errorf("unexpected result: %v", m)
	}
}

func TestExecAction_RestrictedPage(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "chrome://extensions"}},
		scope: always(`{"status":"ok"}`),
	}
	wantCode(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodExecAction),
		map[string]string{"action": "get_title"}), protocol.ErrRestricted)
	if h.scoped != 0 {
		t.Error("page scope must not be touched on a privileged page")
	}
}

func TestExecAction_InvalidParams(t *testing.T) {
	r := newTestRouter(&fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}}, &fakeSynth{})
	wantCode(t, call(t, r, string(protocol.MethodExecAction), map[string]string{"action": "click"}), protocol.ErrInvalidParams)
	wantCode(t, call(t, r, string(protocol.MethodExecAction), map[string]string{"action": "teleport"}), protocol.ErrInvalidParams)

	resp := r.HandleRequest(context.Background(), &protocol.RequestFrame{
		ID: "req-2", Method: string(protocol.MethodExecAction), Params: json.RawMessage(`[1,2]`),
	})
	wantCode(t, resp, protocol.ErrInvalidParams)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestScreenshot_Downscales(t *testing.T) {
	h := &fakeHost{
		tabs:  []browser.Tab{{ID: "t1", URL: "https://a.test"}},
		image: testPNG(t, 200, 100),
	}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodScreenshot),
		map[string]any{"max_width": 50}))

	if m["width"] != 50.0 || m["height"] != 25.0 {
		t.Errorf("size = %vx%v, want 50x25", m["width"], m["height"])
	}
	data := m["screenshot"].(string)
	if !strings.HasPrefix(data, "data:image/png;base64,") {
		t.Fatalf("not a png data url: %.40s", data)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(data, "data:image/png;base64,"))
	if err != nil {
		t.Fatal(err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 50 {
		t.Errorf("encoded width = %d", img.Bounds().Dx())
	}
}

func TestScreenshot_NoResizeKeepsBytes(t *testing.T) {
	png := testPNG(t, 40, 30)
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}, image: png}
	m := result(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodScreenshot), nil))
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	if m["screenshot"] != want {
		t.Error("image re-encoded without a max_width")
	}
	if m["tab_id"] != "t1" || m["width"] != 40.0 {
		t.Errorf("unexpected result: %v", m)
	}
}

func TestScreenshot_PrivilegedRejected(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "chrome://settings"}}}
	wantCode(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodScreenshot), nil), protocol.ErrRestricted)
	if h.captures != 0 {
		t.Error("privileged tab must not be captured")
	}
}

func TestScreenshot_BadFormat(t *testing.T) {
	h := &fakeHost{tabs: []browser.Tab{{ID: "t1", URL: "https://a.test"}}}
	wantCode(t, call(t, newTestRouter(h, &fakeSynth{}), string(protocol.MethodScreenshot),
		map[string]string{"format": "gif"}), protocol.ErrInvalidParams)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{protocol.NewError(protocol.ErrForbidden, "no"), protocol.ErrForbidden},
		{fmt.Errorf("%w: #q", resolve.ErrElementNotFound), protocol.ErrNotFound},
		{fmt.Errorf("wrap: %w", resolve.ErrTimeout), protocol.ErrTimeout},
		{context.DeadlineExceeded, protocol.ErrTimeout},
		{browser.ErrRestrictedURL, protocol.ErrRestricted},
		{resolve.ErrUnsupportedAction, protocol.ErrInvalidParams},
		{&synth.EvalError{Text: "Uncaught"}, protocol.ErrEvaluation},
		{errors.New("boom"), protocol.ErrInternal},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
