package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

const healthTimeout = 2 * time.Second

// Router builds the HTTP surface: the websocket endpoint, the tab-closing
// beacon, health and metrics
func (s *Service) Router() http.Handler {
	if !s.cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(slogging.Recoverer())
	if s.cfg.Logging.LogAPIRequests {
		r.Use(slogging.LoggerMiddleware())
	}
	if s.cfg.Telemetry.MetricsEnabled {
		r.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	}

	var guard []gin.HandlerFunc
	if s.auth != nil {
		guard = append(guard, auth.UpgradeMiddleware(s.auth, s.cfg.Auth.RequireToken))
	}
	r.GET("/ws", append(guard, s.handleWebSocket)...)
	r.POST("/api/session/tab-closing", append(guard, s.handleTabClosingBeacon)...)
	r.GET("/healthz", s.handleHealth)
	if s.cfg.Telemetry.MetricsEnabled && s.cfg.Telemetry.MetricsPath != "" {
		r.GET(s.cfg.Telemetry.MetricsPath, gin.WrapH(s.telemetry.Handler()))
	}
	return r
}

// handleTabClosingBeacon accepts the unload beacon a closing tab sends when
// its websocket may already be gone. The beacon acts on the token's user, or on
// the userId it names when no token is required. Beacons sent before the tab's
// current election are ignored. The response never says whether a leader was released.
func (s *Service) handleTabClosingBeacon(c *gin.Context) {
	var p protocol.TabClosingPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if p.Timestamp <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "timestamp is required"})
		return
	}

	userID := p.UserID
	if principal, ok := auth.PrincipalFrom(c); ok {
		if userID == "" {
			userID = principal.UserID
		}
		if err := principal.Match(userID, p.DeviceID, ""); err != nil {
			s.logger.Debug("Rejected tab-closing beacon from %s: %v", c.ClientIP(), err)
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}

	sentAt := time.UnixMilli(p.Timestamp)
	released := s.election.TabClosingByTab(userID, p.DeviceID, p.TabID, sentAt)
	s.logger.Debug("Tab-closing beacon for user %s device %s tab %s sent %s (leader released: %t)",
		userID, p.DeviceID, p.TabID, sentAt.Format(time.RFC3339Nano), released)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Service) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.conns.Count()})
}
