package cancel

import (
	"context"
	"testing"
)

func TestGracefulDoesNotFireHard(t *testing.T) {
	h := New(context.Background())

	h.CancelGraceful(ReasonPause)

	if !h.IsGracefullyCancelled() {
		t.Error("graceful level did not fire")
	}
	if h.IsHardCancelled() {
		t.Error("graceful cancel must leave in-flight work (hard level) running")
	}
	if h.Reason() != ReasonPause {
		t.Errorf("Reason = %q", h.Reason())
	}
}

func TestHardFiresBothLevels(t *testing.T) {
	h := New(context.Background())

	h.CancelHard(ReasonCancel)

	if !h.IsHardCancelled() || !h.IsGracefullyCancelled() {
		t.Error("hard cancel must fire both levels")
	}
	if h.Reason() != ReasonCancel {
		t.Errorf("Reason = %q", h.Reason())
	}
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	h := New(parent)

	cancelParent()

	<-h.Graceful().Done()
	<-h.Hard().Done()
}

func TestEscalationFromGracefulToHard(t *testing.T) {
	h := New(context.Background())

	h.CancelGraceful(ReasonShutdown)
	h.CancelHard(ReasonShutdown)

	if !h.IsHardCancelled() {
		t.Error("escalation to hard did not fire")
	}
}
