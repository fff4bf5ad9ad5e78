package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestID(), RequestLogger(zerolog.New(&buf)))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/error", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fail"})
	})
	r.GET("/bad-request", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
	})

	tests := []struct {
		path  string
		code  int
		level string
	}{
		{"/test?q=hello", http.StatusOK, `"level":"info"`},
		{"/error", http.StatusInternalServerError, `"level":"error"`},
		{"/bad-request", http.StatusBadRequest, `"level":"warn"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf.Reset()
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", tt.path, nil)
			r.ServeHTTP(w, req)

			if w.Code != tt.code {
				t.Fatalf("expected status %d, got %d", tt.code, w.Code)
			}
			if !strings.Contains(buf.String(), tt.level) {
				t.Fatalf("expected %s in log line, got %s", tt.level, buf.String())
			}
		})
	}
}

func TestRequestLogger_RedactsPassword(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test?hostname=nas1&password=hunter2", nil)
	r.ServeHTTP(w, req)

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked into log: %s", out)
	}
	if !strings.Contains(out, "nas1") {
		t.Fatalf("expected hostname in log: %s", out)
	}
}

func TestRedactQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"job=docs", "job=docs"},
		{"Token=abc", "Token=%5BREDACTED%5D"},
		{"%zz", "[UNPARSEABLE]"},
	}
	for _, tt := range tests {
		if got := redactQuery(tt.in); got != tt.want {
			t.Errorf("redactQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		r.ServeHTTP(w, req)

		id := w.Header().Get(RequestIDHeader)
		if len(id) != 36 {
			t.Fatalf("expected a uuid, got %q", id)
		}
		if w.Body.String() != id {
			t.Fatalf("context id %q differs from header %q", w.Body.String(), id)
		}
	})

	t.Run("propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		r.ServeHTTP(w, req)

		if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
			t.Fatalf("expected propagated id, got %q", got)
		}
	})
}
