package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/middleware"
	"github.com/iliyamo/gametable/internal/model"
	"github.com/iliyamo/gametable/internal/pipeline"
)

// BalanceReader serves read-only balance queries.
type BalanceReader interface {
	Balance(ctx context.Context, userID uint64) (int64, error)
	History(ctx context.Context, userID uint64, limit int) ([]model.LedgerEntry, error)
}

// BalanceHandler exposes balances and the audit trail.  Adjustments go
// through the pipeline so they take the balance lock.
type BalanceHandler struct {
	Ledger   BalanceReader
	Pipeline *pipeline.Pipeline
}

// NewBalanceHandler panics when a dependency is nil.
func NewBalanceHandler(l BalanceReader, p *pipeline.Pipeline) *BalanceHandler {
	if l == nil || p == nil {
		panic("nil dependency passed to NewBalanceHandler")
	}
	return &BalanceHandler{Ledger: l, Pipeline: p}
}

// Me handles GET /v1/me/balance.
func (h *BalanceHandler) Me(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	bal, err := h.Ledger.Balance(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": userID, "balance": bal})
}

// History handles GET /v1/me/ledger?limit=n.
func (h *BalanceHandler) History(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = n
	}
	entries, err := h.Ledger.History(c.Request().Context(), userID, limit)
	if err != nil {
		return writeError(c, err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"entries": entries})
}

type adjustBody struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

// Adjust handles POST /v1/admin/users/:id/adjust.  A repeated reference_id
// answers with the balance recorded the first time.
func (h *BalanceHandler) Adjust(c echo.Context) error {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || userID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	var body adjustBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Amount == 0 || strings.TrimSpace(body.ReferenceID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount and reference_id are required"})
	}
	bal, err := h.Pipeline.AdjustBalance(c.Request().Context(), userID, body.Amount, body.ReferenceID)
	replayed := errors.Is(err, ledger.ErrDuplicateReference)
	if err != nil && !replayed {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": userID, "balance": bal, "replayed": replayed})
}
