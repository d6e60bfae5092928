package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/auth"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/stream"
	"go.uber.org/zap"
)

// StreamHandler exposes entity streams of envelopes.
type StreamHandler struct {
	svc    *stream.Service
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(svc *stream.Service, tokens *auth.TokenIssuer, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the stream routes on the given router group.
func (h *StreamHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/streams/:streamType/:streamId")
	{
		s.POST("/envelopes", writeAuth(h.tokens), h.Create)
		s.GET("/envelopes", h.List)
		s.GET("/latest", h.Latest)
		s.GET("/verify", h.Verify)
	}
}

type createEnvelopeRequest struct {
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata"`
	Actor      *ledger.Actor   `json:"actor"`
	OccurredAt int64           `json:"occurred_at"`
	PrevHash   string          `json:"prev_hash"`
}

// Create handles POST /streams/:streamType/:streamId/envelopes.
func (h *StreamHandler) Create(c *gin.Context) {
	var req createEnvelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	env, err := h.svc.CreateEnvelope(c.Request.Context(), stream.CreateRequest{
		StreamType:   c.Param("streamType"),
		StreamID:     c.Param("streamId"),
		EventType:    req.EventType,
		Payload:      payload,
		Metadata:     req.Metadata,
		Actor:        resolveActor(c, req.Actor),
		OccurredAt:   req.OccurredAt,
		PrevHashHint: req.PrevHash,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// List handles GET /streams/:streamType/:streamId/envelopes.
func (h *StreamHandler) List(c *gin.Context) {
	limit, err := int64Query(c, "limit")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	envs, err := h.svc.List(c.Request.Context(), c.Param("streamType"), c.Param("streamId"), int(limit))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"envelopes": envs, "count": len(envs)})
}

// Latest handles GET /streams/:streamType/:streamId/latest, the hash to
// pass as prev_hash on the next create.
func (h *StreamHandler) Latest(c *gin.Context) {
	hash, err := h.svc.LatestHash(c.Request.Context(), c.Param("streamType"), c.Param("streamId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash})
}

// Verify handles GET /streams/:streamType/:streamId/verify.
func (h *StreamHandler) Verify(c *gin.Context) {
	limit, err := int64Query(c, "limit")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if limit > ledger.MaxListLimit {
		limit = ledger.MaxListLimit
	}
	report, err := h.svc.Verify(c.Request.Context(), c.Param("streamType"), c.Param("streamId"), int(limit))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
