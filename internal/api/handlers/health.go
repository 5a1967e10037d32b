package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/coin-rag/internal/models"
)

var startTime = time.Now()

// HealthChecker is satisfied by the Postgres and Redis clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// IndexStatus summarizes the published index in a health response.
type IndexStatus struct {
	Built        bool    `json:"built"`
	RunID        string  `json:"run_id,omitempty"`
	CoinsIndexed int     `json:"coins_indexed"`
	UpdatedAt    float64 `json:"updated_at,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Index     IndexStatus       `json:"index"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
}

type HealthHandler struct {
	current func() *models.Index
	checks  map[string]HealthChecker
	version string
}

// NewHealthHandler creates a health handler. Only configured dependencies belong in checks.
func NewHealthHandler(current func() *models.Index, checks map[string]HealthChecker, version string) *HealthHandler {
	if checks == nil {
		checks = map[string]HealthChecker{}
	}
	return &HealthHandler{current: current, checks: checks, version: version}
}

// HealthCheck reports dependency status. A missing index is reported but is not unhealthy.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make(map[string]string, len(names))
	overallStatus := "healthy"
	for _, name := range names {
		if err := h.checks[name].HealthCheck(ctx); err != nil {
			services[name] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			services[name] = "healthy"
		}
	}

	var index IndexStatus
	if h.current != nil {
		if ix := h.current(); ix != nil {
			index = IndexStatus{
				Built:        true,
				RunID:        ix.RunID,
				CoinsIndexed: ix.Len(),
				UpdatedAt:    models.UnixSeconds(ix.UpdatedAt),
			}
		}
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Services:  services,
		Index:     index,
		Version:   h.version,
		Uptime:    time.Since(startTime).String(),
	})
}
