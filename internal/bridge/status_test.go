package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileIndicator_WritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")
	ind := FileIndicator{Path: path}

	ind.SetConnected(true, "sess-9")
	st, err := ReadStatus(path)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if !st.Connected || st.SessionID != "sess-9" || st.PID != os.Getpid() {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}

	ind.SetConnected(false, "")
	st, err = ReadStatus(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Connected || st.SessionID != "" {
		t.Errorf("disconnect not recorded: %+v", st)
	}
}

func TestReadStatus_Missing(t *testing.T) {
	_, err := ReadStatus(filepath.Join(t.TempDir(), "none.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestMultiIndicator_FansOut(t *testing.T) {
	a, b := &recordIndicator{}, &recordIndicator{}
	MultiIndicator{a, b}.SetConnected(true, "s")
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Errorf("fan-out: a=%v b=%v", a.snapshot(), b.snapshot())
	}
}
