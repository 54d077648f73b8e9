package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/pipeline"
)

// retryAfterSeconds is sent with every 503 caused by lock contention or
// an unavailable lock quorum.
const retryAfterSeconds = "1"

// writeError maps pipeline and ledger failures to HTTP responses.  Stored
// versions and lock internals never reach the client.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, lock.ErrAcquisitionTimeout), errors.Is(err, lock.ErrQuorumUnavailable):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "system busy, please retry"})
	case errors.Is(err, pipeline.ErrStaleState):
		return c.JSON(http.StatusConflict, echo.Map{"error": "table changed, please retry"})
	case errors.Is(err, lock.ErrQuorumLost):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "action aborted, please retry"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return c.JSON(http.StatusPaymentRequired, echo.Map{"error": "insufficient funds"})
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "balance_overflow"})
	case errors.Is(err, ledger.ErrReferenceMismatch):
		return c.JSON(http.StatusConflict, echo.Map{"error": "reference already used for a different change"})
	case errors.Is(err, pipeline.ErrValidationFailed):
		if ve, ok := engine.AsValidation(err); ok {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": ve.Code, "message": ve.Message})
		}
		if errors.Is(err, engine.ErrUnknownGame) {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "unknown_game"})
		}
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "invalid_action"})
	case errors.Is(err, pipeline.ErrTableNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "table not found"})
	case errors.Is(err, pipeline.ErrTableExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "table already exists"})
	case errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrInvalidResource),
		errors.Is(err, lock.ErrInvalidKey),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrInvalidDelta):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "request timed out"})
	}
	c.Logger().Errorf("handler: %v", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
