package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"go.uber.org/zap"
)

// respondError maps ledger errors onto HTTP responses.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var vErr *ledger.ValidationError
	var sErr *ledger.StoreError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, ledger.ErrStalePrevious):
		c.JSON(http.StatusConflict, gin.H{"error": "previous hash is stale; re-read the tail and retry"})
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "chain is busy; retry the append"})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.As(err, &sErr):
		logger.Error("ledger store failure", zap.String("op", sErr.Op), zap.Error(sErr.Err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger store unavailable"})
	default:
		logger.Error("unexpected ledger error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
