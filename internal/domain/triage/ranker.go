package triage

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
)

const learningRate = 0.1

const (
	defaultUrgencyWeight = 0.8
	defaultKeywordWeight = 0.6
)

// One representative pattern per complaint family. Order fixes the layout
// of the trailing keyword features.
var rankerKeywords = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"cardiac", regexp.MustCompile(`\b(chest pain|heart|cardiac)\b`)},
	{"breathing", regexp.MustCompile(`\b(can't breathe|shortness|breathing|dyspnea)\b`)},
	{"stroke", regexp.MustCompile(`\b(unconscious|unresponsive|stroke|numbness|slurred)\b`)},
	{"bleeding", regexp.MustCompile(`\b(bleeding|hemorrhage)\b`)},
	{"seizure", regexp.MustCompile(`\b(seizure|convulsion)\b`)},
}

// FeatureDim is the length of every feature and weight vector:
// symptom indicators, then normalized urgency, then keyword indicators.
var FeatureDim = len(SymptomVocabulary) + 1 + len(rankerKeywords)

// FeatureNames labels each dimension, for display.
func FeatureNames() []string {
	names := make([]string, 0, FeatureDim)
	for _, s := range SymptomVocabulary {
		names = append(names, "symptom:"+s)
	}
	names = append(names, "urgency")
	for _, k := range rankerKeywords {
		names = append(names, "keyword:"+k.name)
	}
	return names
}

// Features builds the feature vector for a case.
func Features(urgency *int, symptoms []string, complaint string) []float64 {
	f := make([]float64, FeatureDim)

	present := make(map[string]struct{}, len(symptoms))
	for _, s := range symptoms {
		present[s] = struct{}{}
	}
	for i, s := range SymptomVocabulary {
		if _, ok := present[s]; ok {
			f[i] = 1
		}
	}

	u := MaxLevel
	if urgency != nil {
		u = clampLevel(*urgency)
	}
	off := len(SymptomVocabulary)
	f[off] = float64(6-u) / 5

	text := strings.ToLower(complaint)
	for i, k := range rankerKeywords {
		if k.pattern.MatchString(text) {
			f[off+1+i] = 1
		}
	}
	return f
}

func caseFeatures(c *Case) []float64 {
	return Features(c.SelfReportedUrgency, c.Symptoms, c.ChiefComplaint)
}

// acuityWeight is the default symptom weight per acuity. Every weight is
// non-negative, so ticking an extra tag never makes a case less urgent. A
// lone acuity 1 or 2 symptom lands on its own level; acuities 3 to 5 share
// level 3 with confidence falling as acuity rises, which keeps the queue in
// classifier order.
var acuityWeight = [MaxLevel + 1]float64{1: 1.6, 2: 0.9, 3: 0.2, 4: 0.1, 5: 0.05}

// DefaultWeights derives the starting weights from the classifier's acuity
// table.
func DefaultWeights() []float64 {
	w := make([]float64, FeatureDim)
	for i, s := range SymptomVocabulary {
		w[i] = acuityWeight[SymptomAcuity(s)]
	}
	off := len(SymptomVocabulary)
	w[off] = defaultUrgencyWeight
	for i := range rankerKeywords {
		w[off+1+i] = defaultKeywordWeight
	}
	return w
}

// Prediction is the ranker's output for one case.
type Prediction struct {
	Level      int     `json:"level"`
	Confidence float64 `json:"confidence"`
}

func dot(w, f []float64) float64 {
	var s float64
	for i := range w {
		s += w[i] * f[i]
	}
	return s
}

// rawScore is the unclamped level score 0.5 + score/4.
func rawScore(w, f []float64) float64 {
	return 0.5 + dot(w, f)*0.25
}

// predictWith maps a weight and feature vector to a level and confidence.
func predictWith(w, f []float64) Prediction {
	levelScore := math.Max(0, math.Min(1, rawScore(w, f)))
	level := clampLevel(int(math.Round(5 - levelScore*4)))
	target := float64(5-level) / 4
	conf := 0.5 + math.Min(0.5, 2*math.Abs(levelScore-target))
	return Prediction{Level: level, Confidence: math.Round(conf*100) / 100}
}

// targetScore is the level score a nurse-assigned level corresponds to.
func targetScore(level int) float64 {
	return float64(5-clampLevel(level)) / 4
}

// WeightStore persists the ranker's weight vector.
type WeightStore interface {
	// LoadWeights returns nil, nil when nothing has been saved yet.
	LoadWeights(ctx context.Context) ([]float64, error)
	SaveWeights(ctx context.Context, w []float64) error
}

// RankerState owns the process-wide weight vector. Updates are serialized
// by mu, so concurrent overrides cannot lose a training step.
type RankerState struct {
	mu      sync.Mutex
	weights []float64
	dirty   bool

	// saveMu orders saves so the store never ends on an older vector.
	saveMu sync.Mutex
	store  WeightStore
}

// LoadRankerState reads weights from store, falling back to the defaults
// when the store is empty, unreachable, or holds a vector of the wrong length.
// The returned error reports why the defaults were used; the state is
// usable either way.
func LoadRankerState(ctx context.Context, store WeightStore) (*RankerState, error) {
	rs := &RankerState{weights: DefaultWeights(), store: store}
	if store == nil {
		return rs, nil
	}

	w, err := store.LoadWeights(ctx)
	if err != nil {
		return rs, fmt.Errorf("load ranker weights: %w", err)
	}
	if w == nil {
		return rs, nil
	}
	if len(w) != FeatureDim {
		return rs, fmt.Errorf("stored ranker weights have %d dimensions, want %d", len(w), FeatureDim)
	}
	rs.weights = append([]float64(nil), w...)
	return rs, nil
}

// NewRankerState returns a state with the given weights and no store.
func NewRankerState(weights []float64) *RankerState {
	if len(weights) != FeatureDim {
		weights = DefaultWeights()
	}
	return &RankerState{weights: append([]float64(nil), weights...)}
}

// Weights returns a copy of the current vector.
func (rs *RankerState) Weights() []float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]float64(nil), rs.weights...)
}

// Predict scores a case.
func (rs *RankerState) Predict(c *Case) Prediction {
	f := caseFeatures(c)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return predictWith(rs.weights, f)
}

// Update applies one gradient step toward nurseLevel and persists the new
// vector. A failed save leaves the in-memory vector updated and marked
// dirty so Checkpoint can retry it.
func (rs *RankerState) Update(ctx context.Context, c *Case, nurseLevel int) error {
	f := caseFeatures(c)

	rs.mu.Lock()
	errTerm := targetScore(nurseLevel) - rawScore(rs.weights, f)
	for i := range rs.weights {
		rs.weights[i] += learningRate * errTerm * f[i]
	}
	rs.dirty = true
	rs.mu.Unlock()

	return rs.persist(ctx)
}

// Reset restores the default weights and persists them.
func (rs *RankerState) Reset(ctx context.Context) error {
	rs.mu.Lock()
	rs.weights = DefaultWeights()
	rs.dirty = true
	rs.mu.Unlock()

	return rs.persist(ctx)
}

// Checkpoint re-saves the vector if the last save failed.
func (rs *RankerState) Checkpoint(ctx context.Context) error {
	rs.mu.Lock()
	dirty := rs.dirty
	rs.mu.Unlock()
	if !dirty {
		return nil
	}
	return rs.persist(ctx)
}

// Dirty reports whether the in-memory vector has unsaved changes.
func (rs *RankerState) Dirty() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.dirty
}

func (rs *RankerState) persist(ctx context.Context) error {
	if rs.store == nil {
		rs.mu.Lock()
		rs.dirty = false
		rs.mu.Unlock()
		return nil
	}

	rs.saveMu.Lock()
	defer rs.saveMu.Unlock()

	rs.mu.Lock()
	snapshot := append([]float64(nil), rs.weights...)
	rs.mu.Unlock()

	if err := rs.store.SaveWeights(ctx, snapshot); err != nil {
		return fmt.Errorf("save ranker weights: %w", err)
	}

	rs.mu.Lock()
	// A later update may have landed while we were saving.
	if equalWeights(rs.weights, snapshot) {
		rs.dirty = false
	}
	rs.mu.Unlock()
	return nil
}

func equalWeights(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
