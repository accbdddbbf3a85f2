package triage

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/etriage/etriage/internal/platform/auth"
	"github.com/etriage/etriage/pkg/pagination"
)

// GuestResolver turns a verified guest token into a patient id.
type GuestResolver interface {
	ResolveGuest(ctx context.Context, token string) (uuid.UUID, error)
}

// Handler serves the triage HTTP API.
type Handler struct {
	svc    *Service
	guests GuestResolver
}

// NewHandler creates a Handler. guests may be nil when guest submission is disabled.
func NewHandler(svc *Service, guests GuestResolver) *Handler {
	return &Handler{svc: svc, guests: guests}
}

// RegisterRoutes mounts unauthenticated routes on public and the rest on
// api, which must already carry the JWT middleware.
func (h *Handler) RegisterRoutes(public, api *echo.Group) {
	public.GET("/triage/levels", h.Levels)
	public.POST("/triage/submit-guest", h.SubmitGuest)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/triage/submit", h.Submit)
	patient.GET("/cases/mine", h.Mine)

	nurse := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurse.GET("/queue", h.Queue)
	nurse.GET("/queue/stats", h.Stats)
	nurse.POST("/queue/move", h.Move)
	nurse.POST("/queue/reset", h.ResetQueue)
	nurse.PATCH("/cases/:id", h.Edit)
	nurse.PATCH("/cases/:id/override", h.Override)
	nurse.PATCH("/cases/:id/complete", h.Accept)
	nurse.POST("/cases/:id/reopen", h.Reopen)
	nurse.GET("/ranker", h.Ranker)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/cases/completed", h.Completed)

	api.GET("/cases/:id", h.Get)
}

// CaseView is a case with its level label.
type CaseView struct {
	*Case
	TriageLabel string `json:"triage_label"`
}

func view(c *Case) CaseView {
	return CaseView{Case: c, TriageLabel: Label(c.DisplayLevel())}
}

func views(cases []*Case) []CaseView {
	out := make([]CaseView, 0, len(cases))
	for _, c := range cases {
		out = append(out, view(c))
	}
	return out
}

type queueResponse struct {
	Data  []CaseView `json:"data"`
	Total int        `json:"total"`
}

func queueJSON(c echo.Context, cases []*Case) error {
	return c.JSON(http.StatusOK, queueResponse{Data: views(cases), Total: len(cases)})
}

func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return Actor{
		ID:    id,
		Email: auth.EmailFromContext(ctx),
		Staff: auth.HasRole(ctx, auth.RoleNurse) || auth.HasRole(ctx, auth.RoleDoctor),
		Nurse: auth.HasRole(ctx, auth.RoleNurse),
	}, nil
}

func caseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "not your case")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Levels returns the acuity level descriptions.
func (h *Handler) Levels(c echo.Context) error {
	return c.JSON(http.StatusOK, Levels())
}

// Submit creates a case for the signed-in patient.
func (h *Handler) Submit(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tc, err := h.svc.Submit(c.Request().Context(), actor.ID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view(tc))
}

type guestSubmitRequest struct {
	GuestToken string `json:"guest_token"`
	Input
}

// SubmitGuest creates a case for a verified guest token.
func (h *Handler) SubmitGuest(c echo.Context) error {
	var req guestSubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.GuestToken) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "guest_token is required")
	}
	if h.guests == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "guest triage is disabled")
	}

	ctx := c.Request().Context()
	patientID, err := h.guests.ResolveGuest(ctx, req.GuestToken)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired guest token")
	}
	tc, err := h.svc.Submit(ctx, patientID, req.Input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view(tc))
}

// Mine lists the caller's own cases, newest first.
func (h *Handler) Mine(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Mine(c.Request().Context(), actor.ID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, pg.Limit, pg.Offset))
}

// Get returns one case. A nurse read starts review.
func (h *Handler) Get(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	tc, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(tc))
}

// Queue accepts status as a repeated or comma separated query parameter.
func (h *Handler) Queue(c echo.Context) error {
	var statuses []Status
	for _, raw := range c.QueryParams()["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := Status(strings.TrimSpace(part))
			if st == "" {
				continue
			}
			if !st.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+string(st))
			}
			statuses = append(statuses, st)
		}
	}
	items, err := h.svc.Queue(c.Request().Context(), statuses...)
	if err != nil {
		return httpError(err)
	}
	return queueJSON(c, items)
}

// Stats returns queue statistics.
func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type moveRequest struct {
	CaseID    string    `json:"case_id"`
	Direction Direction `json:"direction"`
}

// Move shifts a case up or down the displayed queue.
func (h *Handler) Move(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req moveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := uuid.Parse(req.CaseID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case_id")
	}
	items, err := h.svc.Move(c.Request().Context(), actor, id, req.Direction)
	if err != nil {
		return httpError(err)
	}
	return queueJSON(c, items)
}

// ResetQueue drops the manual order.
func (h *Handler) ResetQueue(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ResetOrder(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return queueJSON(c, items)
}

// Edit applies a partial update to a case.
func (h *Handler) Edit(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var e Edit
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tc, err := h.svc.Edit(c.Request().Context(), actor, id, e)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(tc))
}

type overrideRequest struct {
	FinalLevel     *int   `json:"final_level"`
	OverrideReason string `json:"override_reason"`
}

// Override completes a case at a nurse-chosen level.
func (h *Handler) Override(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.FinalLevel == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "final_level is required")
	}
	tc, err := h.svc.Override(c.Request().Context(), actor, id, *req.FinalLevel, req.OverrideReason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(tc))
}

// Accept completes a case at its current level.
func (h *Handler) Accept(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	tc, err := h.svc.Accept(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(tc))
}

// Reopen returns a completed case to review.
func (h *Handler) Reopen(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	tc, err := h.svc.Reopen(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(tc))
}

// Completed lists completed cases.
func (h *Handler) Completed(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Completed(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, pg.Limit, pg.Offset))
}

// Ranker returns the current weight vector.
func (h *Handler) Ranker(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.RankerInfo())
}
