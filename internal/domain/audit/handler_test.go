package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type mockRepo struct {
	entries []*Entry
	err     error
	limit   int
	offset  int
}

func (m *mockRepo) Record(_ context.Context, e *Entry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = int64(len(m.entries) + 1)
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Entry, int, error) {
	m.limit, m.offset = limit, offset
	if m.err != nil {
		return nil, 0, m.err
	}
	end := offset + limit
	if end > len(m.entries) {
		end = len(m.entries)
	}
	if offset > len(m.entries) {
		return nil, len(m.entries), nil
	}
	return m.entries[offset:end], len(m.entries), nil
}

func TestHandler_ListDefaults(t *testing.T) {
	repo := &mockRepo{}
	repo.Record(context.Background(), &Entry{Action: ActionUserLogin, ResourceType: "user"})
	h := NewHandler(repo)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/audit", nil), rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.limit != defaultListLimit {
		t.Errorf("expected default limit %d, got %d", defaultListLimit, repo.limit)
	}

	var body struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].Action != ActionUserLogin {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandler_ListCapsLimit(t *testing.T) {
	repo := &mockRepo{}
	h := NewHandler(repo)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/audit?limit=10000", nil), rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.limit != maxListLimit {
		t.Errorf("expected limit capped at %d, got %d", maxListLimit, repo.limit)
	}
	if rec.Body.String() == "" {
		t.Error("expected a JSON body")
	}
}

func TestHandler_ListError(t *testing.T) {
	h := NewHandler(&mockRepo{err: errors.New("db down")})
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/audit", nil), httptest.NewRecorder())

	err := h.List(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestClientIP_Middleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	c := e.NewContext(req, httptest.NewRecorder())

	var got string
	ClientIP()(func(c echo.Context) error {
		got = ClientIPFromContext(c.Request().Context())
		return nil
	})(c)
	if got != "203.0.113.9" {
		t.Errorf("expected client IP on context, got %q", got)
	}
}
