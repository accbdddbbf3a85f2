package triage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func queued(automated int, ml *int, conf float64, submittedOffset time.Duration) *Case {
	c := &Case{
		ID:             uuid.New(),
		AutomatedLevel: automated,
		Status:         StatusSubmitted,
		SubmittedAt:    t0.Add(submittedOffset),
	}
	if ml != nil {
		c.MLLevel = ml
		c.MLConfidence = &conf
	}
	return c
}

func names(order []*Case, label map[*Case]string) []string {
	out := make([]string, len(order))
	for i, c := range order {
		out[i] = label[c]
	}
	return out
}

func assertOrder(t *testing.T, got []*Case, label map[*Case]string, want ...string) {
	t.Helper()
	g := names(got, label)
	if len(g) != len(want) {
		t.Fatalf("expected %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, g)
		}
	}
}

func TestOrderQueue_ManualFirst(t *testing.T) {
	a := queued(3, nil, 0, 0)
	b := queued(4, nil, 0, time.Minute)
	c := queued(1, nil, 0, 2*time.Minute)
	label := map[*Case]string{a: "A", b: "B", c: "C"}

	manual := []string{uuid.NewString(), b.ID.String(), a.ID.String()}
	assertOrder(t, OrderQueue([]*Case{a, b, c}, manual), label, "B", "A", "C")
}

func TestOrderQueue_Tiebreaks(t *testing.T) {
	lowConf := queued(3, intPtr(2), 0.6, 0)
	highConf := queued(3, intPtr(2), 0.9, time.Minute)
	noML := queued(1, nil, 0, 2*time.Minute)
	later := queued(3, intPtr(2), 0.9, 3*time.Minute)
	level4 := queued(1, intPtr(4), 1, -time.Hour)
	label := map[*Case]string{lowConf: "low", highConf: "high", noML: "noml", later: "later", level4: "l4"}

	got := OrderQueue([]*Case{level4, later, lowConf, noML, highConf}, nil)
	assertOrder(t, got, label, "noml", "high", "later", "low", "l4")
}

func TestOrderQueue_DoesNotMutateInput(t *testing.T) {
	a := queued(5, nil, 0, 0)
	b := queued(1, nil, 0, time.Minute)
	in := []*Case{a, b}
	_ = OrderQueue(in, nil)
	if in[0] != a || in[1] != b {
		t.Error("input slice was reordered")
	}
}

func TestOrderQueue_StaleManualIDsIgnored(t *testing.T) {
	a := queued(2, nil, 0, 0)
	b := queued(1, nil, 0, time.Minute)
	label := map[*Case]string{a: "A", b: "B"}
	manual := []string{"gone-1", a.ID.String(), "gone-2", a.ID.String()}
	assertOrder(t, OrderQueue([]*Case{b, a}, manual), label, "A", "B")
}

func TestMoveInOrder(t *testing.T) {
	a := queued(1, nil, 0, 0)
	b := queued(2, nil, 0, 0)
	c := queued(3, nil, 0, 0)
	displayed := []*Case{a, b, c}
	label := map[*Case]string{a: "A", b: "B", c: "C"}

	ids, err := MoveInOrder(displayed, c.ID.String(), MoveUp)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	assertOrder(t, OrderQueue(displayed, ids), label, "A", "C", "B")

	ids, err = MoveInOrder(displayed, a.ID.String(), MoveDown)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	assertOrder(t, OrderQueue(displayed, ids), label, "B", "A", "C")
}

func TestMoveInOrder_Edges(t *testing.T) {
	a := queued(1, nil, 0, 0)
	b := queued(2, nil, 0, 0)
	displayed := []*Case{a, b}

	ids, err := MoveInOrder(displayed, a.ID.String(), MoveUp)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if ids[0] != a.ID.String() || ids[1] != b.ID.String() {
		t.Errorf("moving the head up should be a no-op, got %v", ids)
	}

	ids, _ = MoveInOrder(displayed, b.ID.String(), MoveDown)
	if ids[1] != b.ID.String() {
		t.Errorf("moving the tail down should be a no-op, got %v", ids)
	}

	if _, err := MoveInOrder(displayed, uuid.NewString(), MoveUp); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := MoveInOrder(displayed, a.ID.String(), Direction("sideways")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
