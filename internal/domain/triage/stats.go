package triage

import "math"

// QueueStats summarizes the case population.
type QueueStats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	// OpenByLevel counts non-completed cases by displayed level.
	OpenByLevel map[int]int `json:"open_by_level"`
	Overridden  int         `json:"overridden"`
	// OverrideRate is overridden completions over all completions.
	OverrideRate float64 `json:"override_rate"`
	// RankerAgreement is the share of completed cases whose cached ranker
	// level matches the final level.
	RankerAgreement       float64  `json:"ranker_agreement"`
	MeanMinutesToReview   *float64 `json:"mean_minutes_to_review,omitempty"`
	MeanMinutesToComplete *float64 `json:"mean_minutes_to_complete,omitempty"`
}

// ComputeStats aggregates counts and timings over cases.
func ComputeStats(cases []*Case) QueueStats {
	st := QueueStats{
		Total: len(cases),
		ByStatus: map[Status]int{
			StatusSubmitted:   0,
			StatusUnderReview: 0,
			StatusCompleted:   0,
		},
		OpenByLevel: map[int]int{},
	}

	var completed, overridden, predicted, agreed int
	var reviewSum, completeSum float64
	var reviewN, completeN int
	for _, c := range cases {
		st.ByStatus[c.Status]++
		if c.FirstReviewedAt != nil {
			reviewSum += c.FirstReviewedAt.Sub(c.SubmittedAt).Minutes()
			reviewN++
		}
		if c.Status != StatusCompleted {
			st.OpenByLevel[c.DisplayLevel()]++
			continue
		}

		completed++
		if c.OverriddenBy != nil {
			overridden++
		}
		if c.MLLevel != nil && c.FinalLevel != nil {
			predicted++
			if *c.MLLevel == *c.FinalLevel {
				agreed++
			}
		}
		if c.CompletedAt != nil {
			completeSum += c.CompletedAt.Sub(c.SubmittedAt).Minutes()
			completeN++
		}
	}

	st.Overridden = overridden
	st.OverrideRate = ratio(overridden, completed)
	st.RankerAgreement = ratio(agreed, predicted)
	st.MeanMinutesToReview = mean(reviewSum, reviewN)
	st.MeanMinutesToComplete = mean(completeSum, completeN)
	return st
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*1000) / 1000
}

func mean(sum float64, n int) *float64 {
	if n == 0 {
		return nil
	}
	m := math.Round(sum/float64(n)*10) / 10
	return &m
}
