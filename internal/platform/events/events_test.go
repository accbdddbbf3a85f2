package events

import (
	"context"
	"errors"
	"testing"
)

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, nil, b}

	if err := f.Publish(context.Background(), Event{Type: CaseSubmitted, CaseID: "c1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected one event each, got %d and %d", len(a.got), len(b.got))
	}
	if a.got[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	errA := errors.New("nats down")
	a, b := &recorder{err: errA}, &recorder{}

	err := Fanout{a, b}.Publish(context.Background(), Event{Type: CaseUpdated})
	if !errors.Is(err, errA) {
		t.Errorf("expected joined error to wrap %v, got %v", errA, err)
	}
	if len(b.got) != 1 {
		t.Error("a failing publisher must not stop delivery to the rest")
	}
}

func TestPatientTopic(t *testing.T) {
	if got := PatientTopic("abc"); got != "patient.abc" {
		t.Errorf("expected patient.abc, got %s", got)
	}
}
