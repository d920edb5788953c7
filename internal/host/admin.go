package host

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rembraille/rembraille/internal/observability"
)

type keyEventRequest struct {
	KeyID   uint16 `json:"key_id" binding:"required"`
	Pressed bool   `json:"pressed"`
}

// AdminRouter builds the host's local admin surface: health, stats,
// metrics, and test key-event injection.
func (s *Server) AdminRouter(corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("remhostd"))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "remhostd",
			"cells":   s.cfg.CellCount,
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/keys", func(c *gin.Context) {
		var req keyEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reached := s.InjectKeyEvent(req.KeyID, req.Pressed)
		c.JSON(http.StatusOK, gin.H{
			"delivered": reached,
		})
	})

	return r
}
