package triage

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestBuildListQuery(t *testing.T) {
	pid := uuid.New()
	countQ, pageQ := buildListQuery(CaseFilter{
		Statuses:  []Status{StatusSubmitted, StatusUnderReview},
		PatientID: &pid,
		Order:     OrderSubmittedDesc,
		Limit:     20,
		Offset:    40,
	})

	sql, args, err := countQ.ToSql()
	if err != nil {
		t.Fatalf("count sql: %v", err)
	}
	if !strings.HasPrefix(sql, "SELECT COUNT(*) FROM triage_cases WHERE status IN ($1,$2) AND patient_id = $3") {
		t.Errorf("unexpected count sql: %s", sql)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}

	sql, _, err = pageQ.ToSql()
	if err != nil {
		t.Fatalf("page sql: %v", err)
	}
	if !strings.Contains(sql, "ORDER BY submitted_at DESC LIMIT 20 OFFSET 40") {
		t.Errorf("unexpected page sql: %s", sql)
	}
}

func TestBuildListQuery_NoFilter(t *testing.T) {
	countQ, pageQ := buildListQuery(CaseFilter{Order: OrderCompletedByLevel})
	sql, args, _ := countQ.ToSql()
	if strings.Contains(sql, "WHERE") || len(args) != 0 {
		t.Errorf("expected unfiltered count, got %s %v", sql, args)
	}
	sql, _, _ = pageQ.ToSql()
	if !strings.HasSuffix(sql, "ORDER BY final_level ASC NULLS LAST, completed_at DESC NULLS LAST") {
		t.Errorf("unexpected page sql: %s", sql)
	}
	if strings.Contains(sql, "LIMIT") {
		t.Error("zero limit should not emit LIMIT")
	}
}
