package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func stackOf(t *testing.T, err error) []uintptr {
	t.Helper()
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatalf("%v has no stack", err)
	}
	return hs.StackPCs()
}

func TestNew_MessageAndStack(t *testing.T) {
	err := New("something broke")
	if err.Error() != "something broke" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !stackContains(stackOf(t, err), "TestNew_MessageAndStack") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_WrapsWithVerb(t *testing.T) {
	err := Newf("lookup %s: %w", "places", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatal("Newf with %w should keep the chain")
	}
	if err.Error() != "lookup places: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("wrapping nil must return nil")
	}
	if WithStack(nil) != nil || EnsureTrace(nil) != nil {
		t.Fatal("stacking nil must return nil")
	}
}

func TestWrap_MessageAndPC(t *testing.T) {
	err := Wrapf(errSentinel, "fetch %q", "key")
	if err.Error() != `fetch "key": sentinel` {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("errors.Is should see through Wrap")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should record a caller PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrap_MessageAndPC") {
		t.Fatalf("PC points at %v, want the test function", fn)
	}
}

func TestEnsureTrace_KeepsExistingStack(t *testing.T) {
	base := New("inner")
	wrapped := fmt.Errorf("outer: %w", base)

	if got := EnsureTrace(wrapped); got != wrapped {
		t.Fatal("EnsureTrace should not restack an error that already has a stack")
	}

	plain := errors.New("plain")
	got := EnsureTrace(plain)
	if got == plain {
		t.Fatal("EnsureTrace should add a stack to a plain error")
	}
	if !errors.Is(got, plain) {
		t.Fatal("EnsureTrace must preserve the chain")
	}
}

func TestWithStack_AlwaysCaptures(t *testing.T) {
	base := New("inner")
	got := WithStack(base)
	if got == base {
		t.Fatal("WithStack should always wrap")
	}
	if !stackContains(stackOf(t, got), "TestWithStack_AlwaysCaptures") {
		t.Fatal("stack should contain calling function")
	}
}
