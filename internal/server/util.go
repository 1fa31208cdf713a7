package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/runtimecfg"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// writeFault answers with the classified error body.
func writeFault(c *gin.Context, err error) {
	writeJSON(c, faultStatus(fault.KindOf(err)), fault.ToJSON(err))
}

func faultStatus(kind fault.Kind) int {
	switch kind {
	case fault.Locked, fault.RecoveryDeclined:
		return http.StatusConflict
	case fault.ElevationRequired, fault.PermissionDenied:
		return http.StatusForbidden
	case fault.ConfigUnsupported:
		return http.StatusUnprocessableEntity
	case fault.StartTimeout:
		return http.StatusGatewayTimeout
	case fault.BinaryNotFound, fault.EnvironmentUnresolved, fault.NoFreePort:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryMode reads ?mode=; def is used when it is absent.
func queryMode(c *gin.Context, def runtimecfg.RunMode) (runtimecfg.RunMode, error) {
	raw := strings.TrimSpace(c.Query("mode"))
	if raw == "" {
		return def, nil
	}
	return runtimecfg.ParseRunMode(raw)
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// checkLoopback rejects listen addresses reachable from other machines.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q is not a loopback address", addr)
	}
	return nil
}
