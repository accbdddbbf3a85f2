package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/etriage/etriage/internal/platform/auth"
	"github.com/etriage/etriage/pkg/pagination"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleNurse))
	g.GET("/audit", h.List)
}

// List returns audit entries, newest first.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContextWithLimits(c, defaultListLimit, maxListLimit)
	items, total, err := h.repo.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load audit log")
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
