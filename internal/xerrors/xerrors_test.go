package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var (
	errKind  = errors.New("store unavailable")
	errCause = errors.New("dial tcp: connection refused")
)

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// New / Newf

func TestNew_ErrorMessage(t *testing.T) {
	err := New("something broke")
	if err.Error() != "something broke" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should have StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("invalid address %q", "1.2.3")
	want := `invalid address "1.2.3"`
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

// Wrap / Wrapf

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
}

func TestWrap_MessageAndIs(t *testing.T) {
	err := Wrap(errCause, "load overrides")
	if err.Error() != "load overrides: dial tcp: connection refused" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errCause) {
		t.Fatal("wrapped error should match cause")
	}
}

func TestWrapf_RecordsPC(t *testing.T) {
	err := Wrapf(errCause, "address %s", "10.0.0.1")
	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrapf error should expose PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrapf_RecordsPC") {
		t.Fatalf("PC should point at caller, got %v", fn)
	}
}

// EnsureTrace

func TestEnsureTrace_AddsOnce(t *testing.T) {
	err := EnsureTrace(errCause)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("EnsureTrace should add a stack")
	}
	again := EnsureTrace(err)
	if again != err {
		t.Fatal("EnsureTrace should not restack an already stacked error")
	}
}

func TestEnsureTrace_Nil(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

// Mark

func TestMark_MatchesKindAndCause(t *testing.T) {
	err := Mark(errCause, errKind)
	if !errors.Is(err, errKind) {
		t.Fatal("marked error should match kind")
	}
	if !errors.Is(err, errCause) {
		t.Fatal("marked error should match cause")
	}
	if err.Error() != "store unavailable: dial tcp: connection refused" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestMark_SurvivesWrap(t *testing.T) {
	err := Wrap(Mark(errCause, errKind), "policy load")
	if !errors.Is(err, errKind) {
		t.Fatal("kind should be reachable through Wrap")
	}
}

func TestMark_NilAndIdempotent(t *testing.T) {
	if Mark(nil, errKind) != nil {
		t.Fatal("Mark(nil) should be nil")
	}
	already := Wrap(errKind, "ctx")
	if Mark(already, errKind) != already {
		t.Fatal("Mark should not double-mark an error that already matches kind")
	}
	if Mark(errCause, nil) != errCause {
		t.Fatal("Mark with nil kind should return err unchanged")
	}
}
