package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderOrgID     = "X-Org-ID"
	HeaderUserEmail = "X-User-Email"

	ctxOrgID     = "vpnconnector.org_id"
	ctxUserEmail = "vpnconnector.user_email"
)

// requireIdentity rejects requests without a positive X-Org-ID and a
// non-empty X-User-Email. Authentication itself happens upstream.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(HeaderOrgID)), 10, 64)
		email := strings.TrimSpace(c.GetHeader(HeaderUserEmail))
		if err != nil || org <= 0 || email == "" {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "missing or invalid identity headers"})
			c.Abort()
			return
		}
		c.Set(ctxOrgID, org)
		c.Set(ctxUserEmail, email)
		c.Next()
	}
}

func orgID(c *gin.Context) int64 { return c.GetInt64(ctxOrgID) }

func userEmail(c *gin.Context) string { return c.GetString(ctxUserEmail) }
