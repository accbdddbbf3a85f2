package triage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/etriage/etriage/internal/domain/audit"
	"github.com/etriage/etriage/internal/platform/events"
)

type mockCaseRepo struct {
	mu          sync.Mutex
	cases       map[uuid.UUID]*Case
	predictions int
	saveErr     error
}

func newMockCaseRepo() *mockCaseRepo {
	return &mockCaseRepo{cases: make(map[uuid.UUID]*Case)}
}

func clone(c *Case) *Case {
	cp := *c
	cp.Symptoms = append([]string(nil), c.Symptoms...)
	return &cp
}

func (m *mockCaseRepo) put(c *Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = clone(c)
}

func (m *mockCaseRepo) stored(id uuid.UUID) *Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cases[id]
}

func (m *mockCaseRepo) Create(_ context.Context, c *Case) error {
	m.put(c)
	return nil
}

func (m *mockCaseRepo) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *mockCaseRepo) List(_ context.Context, f CaseFilter) ([]*Case, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[Status]bool)
	for _, s := range f.Statuses {
		want[s] = true
	}
	var out []*Case
	for _, c := range m.cases {
		if len(want) > 0 && !want[c.Status] {
			continue
		}
		if f.PatientID != nil && c.PatientID != *f.PatientID {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool {
		switch f.Order {
		case OrderSubmittedDesc:
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		case OrderCompletedByLevel:
			return out[i].DisplayLevel() < out[j].DisplayLevel()
		default:
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *mockCaseRepo) Save(_ context.Context, c *Case, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cur, ok := m.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	m.cases[c.ID] = clone(c)
	return nil
}

func (m *mockCaseRepo) SetPrediction(_ context.Context, id uuid.UUID, p Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
	c, ok := m.cases[id]
	if !ok {
		return ErrNotFound
	}
	if c.MLLevel == nil {
		level, conf := p.Level, p.Confidence
		c.MLLevel, c.MLConfidence = &level, &conf
	}
	return nil
}

type memOrderStore struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (m *memOrderStore) LoadOrder(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]string(nil), m.ids...), nil
}

func (m *memOrderStore) SaveOrder(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ids = append([]string(nil), ids...)
	return nil
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (a *auditRecorder) Record(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return a.err
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func (a *auditRecorder) last() *audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *eventRecorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *eventRecorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return events.Event{}
	}
	return r.events[len(r.events)-1]
}

var errBoom = errors.New("boom")
