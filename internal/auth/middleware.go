package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
)

const claimsKey = "ledger_actor_claims"

// RequireActor returns a Gin middleware that rejects requests without a
// valid bearer actor token and stores the claims on the context.
func RequireActor(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := tokens.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ActorFrom returns the actor authenticated by RequireActor, if any.
func ActorFrom(c *gin.Context) (ledger.Actor, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return ledger.Actor{}, false
	}
	claims, ok := v.(*ActorClaims)
	if !ok {
		return ledger.Actor{}, false
	}
	return claims.Actor(), true
}

// PeekActor reports the actor of a valid bearer token without enforcing
// one. Middleware that runs before RequireActor uses it to identify callers.
func PeekActor(c *gin.Context, tokens *TokenIssuer) (ledger.Actor, bool) {
	if tokens == nil {
		return ledger.Actor{}, false
	}
	raw, ok := bearer(c)
	if !ok {
		return ledger.Actor{}, false
	}
	claims, err := tokens.Verify(raw)
	if err != nil {
		return ledger.Actor{}, false
	}
	return claims.Actor(), true
}

func bearer(c *gin.Context) (string, bool) {
	return strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
}
