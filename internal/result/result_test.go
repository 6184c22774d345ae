package result

import (
	"errors"
	"testing"
)

func TestFromAndWorst(t *testing.T) {
	boom := errors.New("boom")
	if r := From("stop", nil); !r.IsOK() {
		t.Fatalf("nil error should be ok, got %v", r.Kind)
	}
	r := From("stop", boom)
	if r.Kind != Retryable || !errors.Is(r, boom) {
		t.Fatalf("unexpected result %+v", r)
	}
	w := Worst(Ok("a"), r, Fail("init", boom), Ok("b"))
	if !w.IsFatal() || w.Op != "init" {
		t.Fatalf("expected fatal init, got %+v", w)
	}
	if !Worst().IsOK() {
		t.Fatalf("empty fold should be ok")
	}
}

func TestErrorString(t *testing.T) {
	if got := Ok("start").Error(); got != "start: ok" {
		t.Fatalf("got %q", got)
	}
	if got := Retry("start", errors.New("x")).Error(); got != "start (retryable): x" {
		t.Fatalf("got %q", got)
	}
}
