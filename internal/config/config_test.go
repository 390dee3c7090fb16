package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.Bridge.RequestTimeout() != 30*time.Second || cfg.Bridge.ReconnectDelay() != 5*time.Second {
		t.Errorf("bridge defaults = %+v", cfg.Bridge)
	}
	if cfg.Bridge.HandlerTimeout() != 30*time.Second {
		t.Errorf("handler timeout = %v", cfg.Bridge.HandlerTimeout())
	}
	if cfg.Bridge.TypeSettle() != 100*time.Millisecond {
		t.Errorf("type settle = %v", cfg.Bridge.TypeSettle())
	}
}

func TestLoad_JSON5OverDefaults(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{
  // local server
  server_url: "wss://bridge.example:9000/ws/gateway",
  token: "s3cret",
  chrome: { headless: true, flags: "--window-size=1280,800", },
  bridge: { rate_limit_rpm: 120 },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "wss://bridge.example:9000/ws/gateway" || cfg.Token != "s3cret" {
		t.Errorf("unexpected cfg: %+v", cfg)
	}
	if !cfg.Chrome.Headless || cfg.Bridge.RateLimitRPM != 120 {
		t.Errorf("unexpected nested values: %+v %+v", cfg.Chrome, cfg.Bridge)
	}
	if cfg.Bridge.NavigationTimeoutMS != 30_000 {
		t.Errorf("unset field lost its default: %d", cfg.Bridge.NavigationTimeoutMS)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{server_url: "ws://a.test/ws", token: "file"}`)
	t.Setenv(EnvServerURL, "ws://b.test/ws")
	t.Setenv(EnvToken, "env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://b.test/ws" || cfg.Token != "env" {
		t.Errorf("env not applied: %+v", cfg)
	}

	raw, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Token != "file" {
		t.Errorf("LoadFile applied env: %q", raw.Token)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"syntax":   `{server_url: `,
		"scheme":   `{server_url: "http://a.test/ws"}`,
		"negative": `{bridge: {request_timeout_ms: -1}}`,
		"otlp":     `{telemetry: {enabled: true}}`,
		"protocol": `{telemetry: {protocol: "thrift"}}`,
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".json5")
		writeFile(t, path, content)
		if _, err := LoadFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSave_RoundTripAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json5")
	cfg := Default()
	cfg.Token = "abc"
	cfg.Chrome.DebuggerURL = "http://127.0.0.1:9222"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "abc" || got.Chrome.DebuggerURL != "http://127.0.0.1:9222" {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestSet(t *testing.T) {
	cfg := Default()
	steps := []struct {
		key, value string
	}{
		{"server_url", "ws://127.0.0.1:1234/ws"},
		{"token", "12345"},
		{"chrome.headless", "true"},
		{"bridge.rate_limit_rpm", "60"},
		{"telemetry.protocol", "http"},
	}
	for _, s := range steps {
		if err := cfg.Set(s.key, s.value); err != nil {
			t.Fatalf("Set(%s): %v", s.key, err)
		}
	}
	if cfg.ServerURL != "ws://127.0.0.1:1234/ws" || cfg.Token != "12345" {
		t.Errorf("strings not set: %+v", cfg)
	}
	if !cfg.Chrome.Headless || cfg.Bridge.RateLimitRPM != 60 || cfg.Telemetry.Protocol != "http" {
		t.Errorf("values not set: %+v", cfg)
	}
}

func TestSet_Rejects(t *testing.T) {
	cfg := Default()
	for _, tc := range []struct{ key, value, want string }{
		{"nope", "1", "unknown"},
		{"bridge.nope", "1", "unknown"},
		{"bridge", "1", "section"},
		{"bridge.rate_limit_rpm", "fast", "invalid value"},
		{"bridge.rate_limit_rpm", "-5", "negative"},
		{"server_url", "http://x", "scheme"},
	} {
		err := cfg.Set(tc.key, tc.value)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Set(%s, %s) = %v, want error containing %q", tc.key, tc.value, err, tc.want)
		}
	}
	if cfg.ServerURL != DefaultServerURL || cfg.Bridge.RateLimitRPM != 0 {
		t.Errorf("failed Set modified config: %+v", cfg)
	}
}

func TestKeyringToken(t *testing.T) {
	keyring.MockInit()

	cfg := Default()
	cfg.Token = TokenKeyring
	if _, err := cfg.ResolveToken(); err == nil {
		t.Error("expected error with empty keyring")
	}

	if err := cfg.StoreToken("from-keyring"); err != nil {
		t.Fatal(err)
	}
	if cfg.Token != TokenKeyring {
		t.Errorf("token field = %q", cfg.Token)
	}
	tok, err := cfg.ResolveToken()
	if err != nil || tok != "from-keyring" {
		t.Errorf("ResolveToken = %q, %v", tok, err)
	}

	if err := ForgetToken(); err != nil {
		t.Fatal(err)
	}
	if err := ForgetToken(); err != nil {
		t.Errorf("second ForgetToken: %v", err)
	}

	cfg.Token = "literal"
	if tok, _ := cfg.ResolveToken(); tok != "literal" {
		t.Errorf("literal token = %q", tok)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{token: "one"}`)
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, initial)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond

	changed := make(chan [2]*Config, 4)
	w.OnChange(func(prev, next *Config) { changed <- [2]*Config{prev, next} })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(filepath.Dir(path), "other.json5"), `{}`)
	writeFile(t, path, `{token: "two"}`)

	select {
	case c := <-changed:
		if c[0].Token != "one" || c[1].Token != "two" {
			t.Errorf("prev/next = %q/%q", c[0].Token, c[1].Token)
		}
		if !ConnectionChanged(c[0], c[1]) {
			t.Error("token change not reported as a connection change")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
	if w.Current().Token != "two" {
		t.Errorf("Current().Token = %q", w.Current().Token)
	}

	w.Stop()
	w.Stop()
}

func TestConnectionChanged(t *testing.T) {
	a, b := Default(), Default()
	if ConnectionChanged(a, b) {
		t.Error("identical configs reported changed")
	}
	b.Bridge.RateLimitRPM = 10
	if ConnectionChanged(a, b) {
		t.Error("unrelated change reported as connection change")
	}
	b.ServerURL = "ws://other.test/ws"
	if !ConnectionChanged(a, b) {
		t.Error("server_url change not reported")
	}
}
