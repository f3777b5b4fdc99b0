package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/run-vibes/loomd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health check result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only loomd's own components (broker,
// catchup index, session registry) are checked; a slow or stopped client
// process inside a PTY session does not affect this response.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if r, ok := s.log.(interface{ Reachable() bool }); ok {
		if !r.Reachable() {
			status = healthStatusUnhealthy
			checks["broker"] = HealthCheck{Status: healthStatusUnhealthy, Message: "not connected"}
		} else {
			checks["broker"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.index != nil {
		idxHealth := s.index.Health(ctx)
		if !idxHealth.Reachable {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["catchup_index"] = HealthCheck{Status: healthStatusDegraded, Message: idxHealth.Error}
		} else {
			checks["catchup_index"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.sessions != nil {
		h := s.sessions.Health()
		checks["sessions"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: formatSessionCounts(h.TotalSessions, h.RunningSessions),
		}
	}

	if s.natsServer != nil {
		select {
		case err := <-s.natsServer.Exited:
			status = healthStatusUnhealthy
			checks["nats_server"] = HealthCheck{Status: healthStatusUnhealthy, Message: exitedMessage(err)}
		default:
			checks["nats_server"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Full(),
		Checks:  checks,
	})
}

func formatSessionCounts(total, running int) string {
	return fmt.Sprintf("%d running / %d total", running, total)
}

func exitedMessage(err error) string {
	if err == nil {
		return "exited"
	}
	return err.Error()
}
