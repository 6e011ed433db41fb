package common

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetRealIP returns the client address, honouring reverse-proxy
// headers when present.
func GetRealIP(ctx *gin.Context) string {
	addr := ctx.GetHeader(`X-Real-IP`)
	if len(addr) > 0 {
		return addr
	}
	addr = ctx.GetHeader(`X-Forwarded-For`)
	if len(addr) > 0 {
		if pos := strings.IndexByte(addr, ','); pos >= 0 {
			addr = addr[:pos]
		}
		return strings.TrimSpace(addr)
	}
	return GetRemoteAddr(ctx.Request)
}

func GetRemoteAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
