package triage

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/etriage/etriage/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository { return &caseRepoPG{pool: pool} }

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var caseCols = []string{
	"id", "patient_id", "demographics", "chief_complaint", "symptoms", "self_reported_urgency",
	"automated_level", "ml_level", "ml_confidence", "final_level", "status",
	"submitted_at", "first_reviewed_at", "completed_at",
	"overridden_by", "overridden_at", "override_reason",
}

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var status string
	err := row.Scan(&c.ID, &c.PatientID, &c.Demographics, &c.ChiefComplaint, &c.Symptoms, &c.SelfReportedUrgency,
		&c.AutomatedLevel, &c.MLLevel, &c.MLConfidence, &c.FinalLevel, &status,
		&c.SubmittedAt, &c.FirstReviewedAt, &c.CompletedAt,
		&c.OverriddenBy, &c.OverriddenAt, &c.OverrideReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if c.Symptoms == nil {
		c.Symptoms = []string{}
	}
	return &c, nil
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triage_cases (id, patient_id, demographics, chief_complaint, symptoms,
			self_reported_urgency, automated_level, ml_level, ml_confidence, status, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.PatientID, c.Demographics, c.ChiefComplaint, c.Symptoms,
		c.SelfReportedUrgency, c.AutomatedLevel, c.MLLevel, c.MLConfidence, string(c.Status), c.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	query, args, err := psql.Select(caseCols...).From("triage_cases").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanCase(r.conn(ctx).QueryRow(ctx, query, args...))
}

func applyFilter(b sq.SelectBuilder, f CaseFilter) sq.SelectBuilder {
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if f.PatientID != nil {
		b = b.Where(sq.Eq{"patient_id": *f.PatientID})
	}
	return b
}

func orderClause(o ListOrder) []string {
	switch o {
	case OrderSubmittedDesc:
		return []string{"submitted_at DESC"}
	case OrderCompletedByLevel:
		return []string{"final_level ASC NULLS LAST", "completed_at DESC NULLS LAST"}
	default:
		return []string{"submitted_at ASC"}
	}
}

// buildListQuery returns the count and page queries for f.
func buildListQuery(f CaseFilter) (sq.SelectBuilder, sq.SelectBuilder) {
	count := applyFilter(psql.Select("COUNT(*)").From("triage_cases"), f)
	page := applyFilter(psql.Select(caseCols...).From("triage_cases"), f).OrderBy(orderClause(f.Order)...)
	if f.Limit > 0 {
		page = page.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		page = page.Offset(uint64(f.Offset))
	}
	return count, page
}

func (r *caseRepoPG) List(ctx context.Context, f CaseFilter) ([]*Case, int, error) {
	countQ, pageQ := buildListQuery(f)

	query, args, err := countQ.ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	query, args, err = pageQ.ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var items []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *caseRepoPG) Save(ctx context.Context, c *Case, expected Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE triage_cases SET final_level=$3, status=$4, first_reviewed_at=$5, completed_at=$6,
			overridden_by=$7, overridden_at=$8, override_reason=$9
		WHERE id = $1 AND status = $2`,
		c.ID, string(expected), c.FinalLevel, string(c.Status), c.FirstReviewedAt, c.CompletedAt,
		c.OverriddenBy, c.OverriddenAt, c.OverrideReason)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM triage_cases WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check case %s: %w", c.ID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("case %s is no longer %s: %w", c.ID, expected, ErrConflict)
}

func (r *caseRepoPG) SetPrediction(ctx context.Context, id uuid.UUID, p Prediction) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE triage_cases SET ml_level=$2, ml_confidence=$3
		WHERE id = $1 AND ml_level IS NULL`, id, p.Level, p.Confidence)
	return err
}

// =========== Weight & Order Stores ===========

type weightStorePG struct{ pool *pgxpool.Pool }

// NewWeightStorePG keeps the ranker vector in the single-row ranker_weights table.
func NewWeightStorePG(pool *pgxpool.Pool) WeightStore { return &weightStorePG{pool: pool} }

func (s *weightStorePG) LoadWeights(ctx context.Context) ([]float64, error) {
	var w []float64
	err := s.pool.QueryRow(ctx, `SELECT weights FROM ranker_weights WHERE id = 1`).Scan(&w)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func (s *weightStorePG) SaveWeights(ctx context.Context, w []float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ranker_weights (id, weights, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET weights = EXCLUDED.weights, updated_at = NOW()`, w)
	return err
}

type orderStorePG struct{ pool *pgxpool.Pool }

// NewOrderStorePG keeps the manual queue order in the single-row queue_order table.
func NewOrderStorePG(pool *pgxpool.Pool) OrderStore { return &orderStorePG{pool: pool} }

func (s *orderStorePG) LoadOrder(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.pool.QueryRow(ctx, `SELECT case_ids FROM queue_order WHERE id = 1`).Scan(&ids)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ids, err
}

func (s *orderStorePG) SaveOrder(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_order (id, case_ids, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET case_ids = EXCLUDED.case_ids, updated_at = NOW()`, ids)
	return err
}
