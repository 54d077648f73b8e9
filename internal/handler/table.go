package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/middleware"
	"github.com/iliyamo/gametable/internal/model"
	"github.com/iliyamo/gametable/internal/pipeline"
)

// ArchiveReader looks up the final snapshot of closed tables.
type ArchiveReader interface {
	Latest(ctx context.Context, tableID string) (*model.TableArchive, error)
}

// TableHandler serves table lifecycle and game actions.  Every mutation
// goes through the pipeline.
type TableHandler struct {
	Pipeline *pipeline.Pipeline
	Archives ArchiveReader // optional
}

// NewTableHandler panics when p is nil.
func NewTableHandler(p *pipeline.Pipeline, archives ArchiveReader) *TableHandler {
	if p == nil {
		panic("nil pipeline passed to NewTableHandler")
	}
	return &TableHandler{Pipeline: p, Archives: archives}
}

type tableView struct {
	Closed  bool            `json:"closed"`
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state"`
}

// Open handles POST /v1/tables.
func (h *TableHandler) Open(c echo.Context) error {
	var body pipeline.OpenRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.Game) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "game is required"})
	}
	st, err := h.Pipeline.OpenTable(c.Request().Context(), body)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, st)
}

// Get handles GET /v1/tables/:id.  Tables that are no longer live are
// answered from the archive.
func (h *TableHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	tableID := c.Param("id")
	st, err := h.Pipeline.Table(ctx, tableID)
	if err == nil {
		raw, err := json.Marshal(st)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tableView{Version: st.Version, State: raw})
	}
	if !errors.Is(err, pipeline.ErrTableNotFound) || h.Archives == nil {
		return writeError(c, err)
	}
	a, aerr := h.Archives.Latest(ctx, tableID)
	if errors.Is(aerr, sql.ErrNoRows) {
		return writeError(c, err)
	}
	if aerr != nil {
		return writeError(c, aerr)
	}
	return c.JSON(http.StatusOK, tableView{Closed: true, Version: a.Version, State: a.State})
}

// Close handles DELETE /v1/tables/:id.
func (h *TableHandler) Close(c echo.Context) error {
	if err := h.Pipeline.CloseTable(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type actionBody struct {
	ActionID     string   `json:"action_id"`
	Action       string   `json:"action"`
	ResourceKeys []string `json:"resource_keys,omitempty"`
}

// Act handles POST /v1/tables/:id/actions.  The action id may also come
// from the Idempotency-Key header; retries with the same id are applied
// once.
func (h *TableHandler) Act(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body actionBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ActionID == "" {
		body.ActionID = c.Request().Header.Get("Idempotency-Key")
	}
	if strings.TrimSpace(body.ActionID) == "" || strings.TrimSpace(body.Action) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "action_id and action are required"})
	}
	tableID := c.Param("id")
	if err := ownResources(tableID, userID, body.ResourceKeys); err != nil {
		if errors.Is(err, lock.ErrInvalidKey) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid resource key"})
		}
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	res, err := h.Pipeline.ExecuteAction(c.Request().Context(), pipeline.Request{
		TableID:      tableID,
		UserID:       userID,
		ActionID:     body.ActionID,
		Payload:      body.Action,
		ResourceKeys: body.ResourceKeys,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

var errForeignResource = errors.New("handler: resource belongs to someone else")

// ownResources limits the extra keys a player may lock to the table being
// acted on and the player's own balance.
func ownResources(tableID string, userID uint64, keys []string) error {
	for _, k := range keys {
		r, err := lock.ParseKey(k)
		if err != nil {
			return err
		}
		switch {
		case r.Kind == lock.KindTable && r.TableID == tableID:
		case r.Kind == lock.KindBalance && r.UserID == userID:
		default:
			return fmt.Errorf("%w: %s", errForeignResource, k)
		}
	}
	return nil
}
