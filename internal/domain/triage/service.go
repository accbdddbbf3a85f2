package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/etriage/etriage/internal/domain/audit"
	"github.com/etriage/etriage/internal/platform/events"
)

const (
	maxComplaintLen = 2000
	maxAge          = 150
	maxSymptoms     = 32
	resourceCase    = "triage_case"
	resourceQueue   = "triage_queue"
	resourceRanker  = "triage_ranker"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID    uuid.UUID
	Email string
	// Staff callers (nurse, doctor, admin) may read any case.
	Staff bool
	// Nurse reads move submitted cases into review.
	Nurse bool
}

// Service owns case transitions and the queue built on them.
type Service struct {
	cases  CaseRepository
	orders OrderStore
	ranker *RankerState
	audit  AuditSink
	events events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewService wires a Service. A nil ranker starts from the default
// weights and a nil publisher drops events.
func NewService(cases CaseRepository, orders OrderStore, ranker *RankerState, sink AuditSink, pub events.Publisher, logger zerolog.Logger) *Service {
	if ranker == nil {
		ranker = NewRankerState(nil)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		cases:  cases,
		orders: orders,
		ranker: ranker,
		audit:  sink,
		events: pub,
		logger: logger.With().Str("component", "triage").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ranker exposes the shared weight state.
func (s *Service) Ranker() *RankerState { return s.ranker }

func validateInput(in *Input) error {
	if in.SelfReportedUrgency != nil && !validLevel(*in.SelfReportedUrgency) {
		return fmt.Errorf("self_reported_urgency must be between %d and %d: %w", MinLevel, MaxLevel, ErrInvalidInput)
	}
	if len(in.ChiefComplaint) > maxComplaintLen {
		return fmt.Errorf("chief_complaint exceeds %d characters: %w", maxComplaintLen, ErrInvalidInput)
	}
	if a := in.Demographics.Age; a != nil && (*a < 0 || *a > maxAge) {
		return fmt.Errorf("age must be between 0 and %d: %w", maxAge, ErrInvalidInput)
	}

	if len(in.Symptoms) > maxSymptoms {
		return fmt.Errorf("at most %d symptoms: %w", maxSymptoms, ErrInvalidInput)
	}

	// Unknown tags are kept; they classify at acuity 4 and carry no ranker feature.
	seen := make(map[string]bool, len(in.Symptoms))
	symptoms := make([]string, 0, len(in.Symptoms))
	for _, raw := range in.Symptoms {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		symptoms = append(symptoms, tag)
	}
	in.Symptoms = symptoms
	in.ChiefComplaint = strings.TrimSpace(in.ChiefComplaint)
	return nil
}

// Submit classifies and ranks a new case and stores it as submitted.
func (s *Service) Submit(ctx context.Context, patientID uuid.UUID, in Input) (*Case, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient is required: %w", ErrInvalidInput)
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	c := &Case{
		ID:                  uuid.New(),
		PatientID:           patientID,
		Demographics:        in.Demographics,
		ChiefComplaint:      in.ChiefComplaint,
		Symptoms:            in.Symptoms,
		SelfReportedUrgency: in.SelfReportedUrgency,
		Status:              StatusSubmitted,
		SubmittedAt:         s.now(),
	}
	c.AutomatedLevel = Classify(c.SelfReportedUrgency, c.Symptoms, c.ChiefComplaint)
	setPrediction(c, s.ranker.Predict(c))

	if err := s.cases.Create(ctx, c); err != nil {
		return nil, err
	}

	s.record(ctx, &patientID, audit.ActionTriageSubmit, resourceCase, c.ID.String(), map[string]any{
		"automated_level": c.AutomatedLevel,
		"ml_level":        *c.MLLevel,
	})
	s.publish(ctx, events.CaseSubmitted, c, patientID, events.TopicQueue, events.PatientTopic(patientID.String()))
	return c, nil
}

// Get loads a case for actor. A nurse reading a submitted case moves it
// into review; firstReviewedAt is only ever set once.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Case, error) {
	c, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Staff && c.PatientID != actor.ID {
		return nil, ErrForbidden
	}
	if !actor.Nurse || c.Status != StatusSubmitted {
		return c, nil
	}

	now := s.now()
	c.Status = StatusUnderReview
	if c.FirstReviewedAt == nil {
		c.FirstReviewedAt = &now
	}
	if err := s.cases.Save(ctx, c, StatusSubmitted); err != nil {
		if errors.Is(err, ErrConflict) {
			// another nurse got there first
			return s.cases.GetByID(ctx, id)
		}
		return nil, err
	}

	s.record(ctx, &actor.ID, audit.ActionTriageReviewStart, resourceCase, c.ID.String(), nil)
	s.publish(ctx, events.CaseUpdated, c, actor.ID, events.TopicQueue, events.PatientTopic(c.PatientID.String()))
	return c, nil
}

// Override assigns a nurse level with an optional reason and completes the
// case. The ranker learns from the assigned level.
func (s *Service) Override(ctx context.Context, actor Actor, id uuid.UUID, level int, reason string) (*Case, error) {
	if !validLevel(level) {
		return nil, fmt.Errorf("final_level must be between %d and %d: %w", MinLevel, MaxLevel, ErrInvalidInput)
	}
	c, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusCompleted {
		return nil, fmt.Errorf("case %s is already completed: %w", id, ErrConflict)
	}

	prior := c.Status
	from := c.DisplayLevel()
	now := s.now()
	s.assignLevel(c, actor, level, now)
	c.OverrideReason = trimReason(&reason)
	s.complete(c, now)
	if err := s.cases.Save(ctx, c, prior); err != nil {
		return nil, err
	}

	s.learn(ctx, c, level)
	s.record(ctx, &actor.ID, audit.ActionTriageOverride, resourceCase, c.ID.String(), map[string]any{
		"from":   from,
		"to":     level,
		"reason": reason,
	})
	s.publishCompleted(ctx, c, actor.ID)
	return c, nil
}

// Accept completes a case at its final level, or at the automated level
// when none was assigned.
func (s *Service) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*Case, error) {
	c, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusCompleted {
		return nil, fmt.Errorf("case %s is already completed: %w", id, ErrConflict)
	}

	prior := c.Status
	s.complete(c, s.now())
	if err := s.cases.Save(ctx, c, prior); err != nil {
		return nil, err
	}

	s.learn(ctx, c, *c.FinalLevel)
	s.record(ctx, &actor.ID, audit.ActionTriageComplete, resourceCase, c.ID.String(), map[string]any{
		"final_level": *c.FinalLevel,
	})
	s.publishCompleted(ctx, c, actor.ID)
	return c, nil
}

// Reopen moves a completed case back into review. The final level is kept.
func (s *Service) Reopen(ctx context.Context, actor Actor, id uuid.UUID) (*Case, error) {
	c, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusCompleted {
		return nil, fmt.Errorf("case %s is not completed: %w", id, ErrConflict)
	}

	s.reopen(c)
	if err := s.cases.Save(ctx, c, StatusCompleted); err != nil {
		return nil, err
	}

	s.record(ctx, &actor.ID, audit.ActionTriageReopen, resourceCase, c.ID.String(), nil)
	s.publish(ctx, events.CaseUpdated, c, actor.ID,
		events.TopicQueue, events.TopicCompleted, events.PatientTopic(c.PatientID.String()))
	return c, nil
}

// Edit changes the level or reason of a case. A status of under_review
// reopens or starts review; completed accepts the case.
func (s *Service) Edit(ctx context.Context, actor Actor, id uuid.UUID, e Edit) (*Case, error) {
	if e.FinalLevel != nil && !validLevel(*e.FinalLevel) {
		return nil, fmt.Errorf("final_level must be between %d and %d: %w", MinLevel, MaxLevel, ErrInvalidInput)
	}
	if e.Status != nil && *e.Status != StatusUnderReview && *e.Status != StatusCompleted {
		return nil, fmt.Errorf("status must be %s or %s: %w", StatusUnderReview, StatusCompleted, ErrInvalidInput)
	}

	c, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	prior := c.Status
	now := s.now()
	details := map[string]any{"from": c.DisplayLevel()}
	if e.FinalLevel != nil && (c.FinalLevel == nil || *c.FinalLevel != *e.FinalLevel) {
		s.assignLevel(c, actor, *e.FinalLevel, now)
		details["to"] = *e.FinalLevel
	}
	if e.OverrideReason != nil {
		c.OverrideReason = trimReason(e.OverrideReason)
		details["reason"] = *e.OverrideReason
	}

	accepted := false
	if e.Status != nil {
		switch {
		case *e.Status == StatusUnderReview && prior == StatusCompleted:
			s.reopen(c)
		case *e.Status == StatusUnderReview && prior == StatusSubmitted:
			c.Status = StatusUnderReview
			if c.FirstReviewedAt == nil {
				c.FirstReviewedAt = &now
			}
		case *e.Status == StatusCompleted && prior != StatusCompleted:
			s.complete(c, now)
			accepted = true
		}
		details["status"] = string(c.Status)
	}

	if err := s.cases.Save(ctx, c, prior); err != nil {
		return nil, err
	}

	if accepted {
		s.learn(ctx, c, *c.FinalLevel)
	}
	s.record(ctx, &actor.ID, audit.ActionTriageEdit, resourceCase, c.ID.String(), details)
	if c.Status == StatusCompleted || prior == StatusCompleted {
		s.publishCompleted(ctx, c, actor.ID)
	} else {
		s.publish(ctx, events.CaseUpdated, c, actor.ID, events.TopicQueue, events.PatientTopic(c.PatientID.String()))
	}
	return c, nil
}

func (s *Service) assignLevel(c *Case, actor Actor, level int, now time.Time) {
	c.FinalLevel = &level
	c.OverriddenBy = &actor.ID
	c.OverriddenAt = &now
}

// trimReason maps a blank reason to nil so it is stored as NULL.
func trimReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	r := strings.TrimSpace(*reason)
	if r == "" {
		return nil
	}
	return &r
}

func (s *Service) complete(c *Case, now time.Time) {
	if c.FinalLevel == nil {
		level := c.AutomatedLevel
		c.FinalLevel = &level
	}
	if c.FirstReviewedAt == nil {
		c.FirstReviewedAt = &now
	}
	c.Status = StatusCompleted
	c.CompletedAt = &now
}

func (s *Service) reopen(c *Case) {
	c.Status = StatusUnderReview
	c.CompletedAt = nil
}

func (s *Service) learn(ctx context.Context, c *Case, level int) {
	if err := s.ranker.Update(ctx, c, level); err != nil {
		s.logger.Error().Err(err).Str("case_id", c.ID.String()).Msg("ranker weights not saved, will retry on checkpoint")
	}
}

// =========== Queue ===========

// Queue returns cases in display order, optionally restricted to statuses.
// The manual order is applied over the whole queue before filtering, so a
// filtered view keeps the relative positions nurses set.
func (s *Service) Queue(ctx context.Context, statuses ...Status) ([]*Case, error) {
	ordered, err := s.orderedQueue(ctx)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return ordered, nil
	}
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]*Case, 0, len(ordered))
	for _, c := range ordered {
		if want[c.Status] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) orderedQueue(ctx context.Context) ([]*Case, error) {
	var (
		cases  []*Case
		manual []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cases, _, err = s.cases.List(gctx, CaseFilter{Order: OrderSubmittedAsc})
		return err
	})
	g.Go(func() error {
		var err error
		manual, err = s.orders.LoadOrder(gctx)
		if err != nil {
			return fmt.Errorf("load queue order: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.ensurePredictions(ctx, cases)
	return OrderQueue(cases, manual), nil
}

// ensurePredictions fills in ranker output for cases without a cached
// prediction and writes it back. Backfill failures only cost a recompute.
func (s *Service) ensurePredictions(ctx context.Context, cases []*Case) {
	for _, c := range cases {
		if c.HasPrediction() {
			continue
		}
		p := s.ranker.Predict(c)
		setPrediction(c, p)
		if err := s.cases.SetPrediction(ctx, c.ID, p); err != nil {
			s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("prediction backfill failed")
		}
	}
}

func setPrediction(c *Case, p Prediction) {
	level, conf := p.Level, p.Confidence
	c.MLLevel = &level
	c.MLConfidence = &conf
}

// Move shifts a case one place in the displayed queue and persists the
// resulting order.
func (s *Service) Move(ctx context.Context, actor Actor, id uuid.UUID, dir Direction) ([]*Case, error) {
	displayed, err := s.orderedQueue(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := MoveInOrder(displayed, id.String(), dir)
	if err != nil {
		return nil, err
	}
	if err := s.orders.SaveOrder(ctx, ids); err != nil {
		return nil, fmt.Errorf("save queue order: %w", err)
	}

	s.record(ctx, &actor.ID, audit.ActionQueueReorder, resourceQueue, id.String(), map[string]any{
		"direction": string(dir),
	})
	s.publish(ctx, events.QueueReordered, nil, actor.ID, events.TopicQueue)
	return OrderQueue(displayed, ids), nil
}

// ResetOrder discards manual positions and stores the computed order.
func (s *Service) ResetOrder(ctx context.Context, actor Actor) ([]*Case, error) {
	cases, _, err := s.cases.List(ctx, CaseFilter{Order: OrderSubmittedAsc})
	if err != nil {
		return nil, err
	}
	s.ensurePredictions(ctx, cases)
	ordered := OrderQueue(cases, nil)
	if err := s.orders.SaveOrder(ctx, IDs(ordered)); err != nil {
		return nil, fmt.Errorf("save queue order: %w", err)
	}

	s.record(ctx, &actor.ID, audit.ActionQueueReset, resourceQueue, "", nil)
	s.publish(ctx, events.QueueReordered, nil, actor.ID, events.TopicQueue)
	return ordered, nil
}

// Completed lists completed cases by final level, most recent first.
func (s *Service) Completed(ctx context.Context, limit, offset int) ([]*Case, int, error) {
	return s.cases.List(ctx, CaseFilter{
		Statuses: []Status{StatusCompleted},
		Order:    OrderCompletedByLevel,
		Limit:    limit,
		Offset:   offset,
	})
}

// Mine lists a patient's own cases, newest first.
func (s *Service) Mine(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Case, int, error) {
	return s.cases.List(ctx, CaseFilter{
		PatientID: &patientID,
		Order:     OrderSubmittedDesc,
		Limit:     limit,
		Offset:    offset,
	})
}

// Stats computes queue statistics over every case.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	cases, _, err := s.cases.List(ctx, CaseFilter{})
	if err != nil {
		return nil, err
	}
	st := ComputeStats(cases)
	return &st, nil
}

// =========== Ranker ===========

// RankerInfo is the current weight vector with feature names.
type RankerInfo struct {
	Features []string  `json:"features"`
	Weights  []float64 `json:"weights"`
	Dirty    bool      `json:"unsaved"`
}

// RankerInfo reports the feature names and current weights.
func (s *Service) RankerInfo() RankerInfo {
	return RankerInfo{Features: FeatureNames(), Weights: s.ranker.Weights(), Dirty: s.ranker.Dirty()}
}

// ResetRanker restores the default weights and records the reset.
func (s *Service) ResetRanker(ctx context.Context, actor Actor) error {
	if err := s.ranker.Reset(ctx); err != nil {
		return err
	}
	s.record(ctx, &actor.ID, audit.ActionRankerReset, resourceRanker, "", nil)
	return nil
}

// =========== Side effects ===========

func (s *Service) record(ctx context.Context, actorID *uuid.UUID, action, resourceType, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("audit write failed")
	}
}

func (s *Service) publishCompleted(ctx context.Context, c *Case, actorID uuid.UUID) {
	s.publish(ctx, events.CaseUpdated, c, actorID,
		events.TopicQueue, events.TopicCompleted, events.PatientTopic(c.PatientID.String()))
}

func (s *Service) publish(ctx context.Context, typ string, c *Case, actorID uuid.UUID, topics ...string) {
	ev := events.Event{
		Type:      typ,
		Topics:    topics,
		ActorID:   actorID.String(),
		Timestamp: s.now(),
	}
	if c != nil {
		ev.CaseID = c.ID.String()
		ev.Status = string(c.Status)
		ev.Level = c.DisplayLevel()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("event publish failed")
	}
}
