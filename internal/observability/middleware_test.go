package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func newTestRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(buf)
	r := gin.New()
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware("remtest"))
	r.GET("/widgets/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/boom", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})
	return r
}

func TestRequestLoggerUsesRouteTemplate(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/widgets/42", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}

	line := buf.String()
	if !strings.Contains(line, `"path":"/widgets/:id"`) {
		t.Fatalf("log line missing route template: %s", line)
	}
	if !strings.Contains(line, `"status":204`) {
		t.Fatalf("log line missing status: %s", line)
	}
	if !strings.Contains(line, `"level":"info"`) {
		t.Fatalf("2xx must log at info: %s", line)
	}
}

func TestRequestLoggerLevelsByStatus(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("5xx must log at error: %s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	line := buf.String()
	if !strings.Contains(line, `"level":"warn"`) {
		t.Fatalf("4xx must log at warn: %s", line)
	}
	// Unmatched requests have no route template; the raw path is the
	// fallback.
	if !strings.Contains(line, `"path":"/missing"`) {
		t.Fatalf("log line missing raw path fallback: %s", line)
	}
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordFrameSent("client", "ping")
	RecordFrameReceived("host", "ping")
	RecordSessionFault()
	RecordReconnectAttempt()
	RecordHostConnect()
	RecordHostDisconnect()
	RecordCellsDisplayed(40)
	RecordHTTPRequest("remtest", http.MethodGet, "/health", http.StatusOK, 12*time.Millisecond)
}
