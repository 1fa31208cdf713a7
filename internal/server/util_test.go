package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pgdesk/internal/fault"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestCheckLoopback(t *testing.T) {
	valid := []string{"127.0.0.1:54300", "localhost:1", "[::1]:8080"}
	invalid := []string{"0.0.0.0:54300", ":54300", "192.168.1.2:80", "nohost"}
	for _, s := range valid {
		if err := checkLoopback(s); err != nil {
			t.Fatalf("expected %q to be accepted: %v", s, err)
		}
	}
	for _, s := range invalid {
		if err := checkLoopback(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestFaultStatus(t *testing.T) {
	cases := map[fault.Kind]int{
		fault.Locked:            http.StatusConflict,
		fault.RecoveryDeclined:  http.StatusConflict,
		fault.ElevationRequired: http.StatusForbidden,
		fault.StartTimeout:      http.StatusGatewayTimeout,
		fault.BinaryNotFound:    http.StatusServiceUnavailable,
		fault.Internal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := faultStatus(kind); got != want {
			t.Fatalf("faultStatus(%s)=%d want %d", kind, got, want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}
