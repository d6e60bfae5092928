package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/auth"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"go.uber.org/zap"
)

// ChainHandler exposes the producer API for hash-chained ledger entries.
type ChainHandler struct {
	svc    *ledger.Service
	tokens *auth.TokenIssuer // nil = actor taken from the request body
	logger *zap.Logger
}

// NewChainHandler creates a ChainHandler. When tokens is non-nil, appends
// require a bearer actor token and the actor is taken from it.
func NewChainHandler(svc *ledger.Service, tokens *auth.TokenIssuer, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the chain routes on the given router group.
func (h *ChainHandler) Register(rg *gin.RouterGroup) {
	chains := rg.Group("/chains/:chainKey")
	{
		chains.GET("", h.Overview)
		chains.POST("/events", writeAuth(h.tokens), h.Append)
		chains.GET("/events", h.List)
		chains.GET("/events/:seq", h.Get)
		chains.GET("/verify", h.Verify)
	}
}

// writeAuth enforces actor tokens on write routes when tokens is configured.
func writeAuth(tokens *auth.TokenIssuer) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequireActor(tokens)
}

// resolveActor prefers the authenticated actor over the one in the body.
func resolveActor(c *gin.Context, body *ledger.Actor) ledger.Actor {
	if actor, ok := auth.ActorFrom(c); ok {
		return actor
	}
	if body != nil {
		return *body
	}
	return ledger.Actor{}
}

type appendRequest struct {
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload"`
	Actor          *ledger.Actor     `json:"actor"`
	OccurredAt     int64             `json:"occurred_at"`
	Lookup         map[string]string `json:"lookup"`
	ExpectPrevious string            `json:"expect_previous_hash"`
}

// Append handles POST /chains/:chainKey/events.
func (h *ChainHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	entry, err := h.svc.Append(c.Request.Context(), ledger.AppendRequest{
		ChainKey:       c.Param("chainKey"),
		Type:           req.Type,
		Payload:        req.Payload,
		Actor:          resolveActor(c, req.Actor),
		OccurredAt:     req.OccurredAt,
		Lookup:         req.Lookup,
		ExpectPrevious: req.ExpectPrevious,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// List handles GET /chains/:chainKey/events.
func (h *ChainHandler) List(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	entries, err := h.svc.ListEntries(c.Request.Context(), c.Param("chainKey"), f)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*ledger.ChainEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Get handles GET /chains/:chainKey/events/:seq.
func (h *ChainHandler) Get(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}
	entry, err := h.svc.Get(c.Request.Context(), c.Param("chainKey"), seq)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Overview handles GET /chains/:chainKey: the chain length and root hash.
func (h *ChainHandler) Overview(c *gin.Context) {
	ov, err := h.svc.Overview(c.Request.Context(), c.Param("chainKey"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// Verify handles GET /chains/:chainKey/verify. A broken chain is still a 200;
// the report says where it broke.
func (h *ChainHandler) Verify(c *gin.Context) {
	limit, err := int64Query(c, "limit")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if limit > ledger.MaxListLimit {
		limit = ledger.MaxListLimit
	}
	from, err := int64Query(c, "from")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	report, err := h.svc.VerifyRange(c.Request.Context(), c.Param("chainKey"), from, int(limit))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// lookupParam prefixes query parameters that filter on lookup fields, as in
// ?lookup.tenant_id=t-1. Any other unknown parameter is ignored.
const lookupParam = "lookup."

func filterFromQuery(c *gin.Context) (ledger.Filter, error) {
	var f ledger.Filter
	var err error
	f.Type = c.Query("type")
	if f.FromSequence, err = int64Query(c, "from"); err != nil {
		return f, err
	}
	if f.ToSequence, err = int64Query(c, "to"); err != nil {
		return f, err
	}
	if f.Since, err = int64Query(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = int64Query(c, "until"); err != nil {
		return f, err
	}
	limit, err := int64Query(c, "limit")
	if err != nil {
		return f, err
	}
	f.Limit = int(limit)

	for k, vs := range c.Request.URL.Query() {
		key, ok := strings.CutPrefix(k, lookupParam)
		if !ok || len(vs) == 0 {
			continue
		}
		if f.Lookup == nil {
			f.Lookup = make(map[string]string)
		}
		f.Lookup[key] = vs[0]
	}
	return f, nil
}

func int64Query(c *gin.Context, name string) (int64, error) {
	s := c.Query(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, &ledger.ValidationError{Field: name, Msg: "must be a non-negative integer"}
	}
	return n, nil
}
