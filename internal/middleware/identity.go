package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-coordinator/internal/identity"
)

const identityKey = "identity"

// Identity admits every request. A bearer token, from the Authorization header
// or the token query parameter, must be valid and yields a verified identity.
// Requests without one become guests. A guest keeps its id across requests by
// sending the same private token in X-Guest-Token or the guestToken query
// parameter; the id itself is never accepted as a credential.
func Identity(resolver *identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			// browsers cannot set headers on a websocket upgrade
			token = c.Query("token")
		}

		if token == "" {
			guest := c.GetHeader("X-Guest-Token")
			if guest == "" {
				guest = c.Query("guestToken")
			}
			c.Set(identityKey, resolver.Guest(guest))
			c.Next()
			return
		}

		id, err := resolver.Resolve(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// bearer extracts the token from "Bearer <token>".
func bearer(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// IdentityFrom returns the identity admitted for the request.
func IdentityFrom(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := v.(identity.Identity)
	return id, ok
}
