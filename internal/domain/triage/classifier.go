package triage

import (
	"regexp"
	"strings"
)

// Symptom tags accepted from the intake form. The order here fixes the
// ranker's feature layout.
var SymptomVocabulary = []string{
	"cardiac_chest_pain",
	"difficulty_breathing",
	"severe_pain",
	"altered_mental",
	"unconscious",
	"major_trauma",
	"heavy_bleeding",
	"stroke_symptoms",
	"severe_allergic",
	"seizure",
	"abdominal_pain",
	"high_fever",
	"headache",
	"laceration",
	"minor_injury",
	"sore_throat",
	"prescription_refill",
	"minor_illness",
	"other",
}

var symptomAcuity = map[string]int{
	"altered_mental":       1,
	"unconscious":          1,
	"major_trauma":         1,
	"stroke_symptoms":      1,
	"cardiac_chest_pain":   2,
	"difficulty_breathing": 2,
	"severe_pain":          2,
	"heavy_bleeding":       2,
	"severe_allergic":      2,
	"seizure":              2,
	"abdominal_pain":       3,
	"high_fever":           3,
	"headache":             3,
	"laceration":           4,
	"minor_injury":         4,
	"sore_throat":          4,
	"other":                4,
	"prescription_refill":  5,
	"minor_illness":        5,
}

const unknownSymptomAcuity = 4

// SymptomAcuity returns the table acuity for tag, 4 when unlisted.
func SymptomAcuity(tag string) int {
	if a, ok := symptomAcuity[tag]; ok {
		return a
	}
	return unknownSymptomAcuity
}

// KnownSymptom reports whether tag is in the vocabulary.
func KnownSymptom(tag string) bool {
	_, ok := symptomAcuity[tag]
	return ok
}

type complaintRule struct {
	pattern *regexp.Regexp
	cap     int
}

// Each rule independently caps the level when it matches.
var complaintRules = []complaintRule{
	{regexp.MustCompile(`\b(chest pain|heart|cardiac)\b`), 2},
	{regexp.MustCompile(`\b(can't breathe|shortness|breathing)\b`), 2},
	{regexp.MustCompile(`\b(unconscious|unresponsive|collapse)\b`), 1},
	{regexp.MustCompile(`\b(bleeding|hemorrhage)\b`), 2},
	{regexp.MustCompile(`\b(seizure|stroke|numbness)\b`), 2},
}

// Classify computes the automated acuity level. It starts at 5 and lowers
// the level to the self-reported urgency (when in range), to the acuity of
// every symptom, and to the cap of every matching complaint rule.
func Classify(urgency *int, symptoms []string, complaint string) int {
	level := MaxLevel

	if urgency != nil && validLevel(*urgency) {
		level = min(level, *urgency)
	}

	for _, s := range symptoms {
		level = min(level, SymptomAcuity(s))
	}

	text := strings.ToLower(complaint)
	for _, r := range complaintRules {
		if r.pattern.MatchString(text) {
			level = min(level, r.cap)
		}
	}

	return clampLevel(level)
}
