package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/middleware"
	"github.com/irfndi/coin-rag/internal/models"
	"github.com/irfndi/coin-rag/internal/utils"
)

// DefaultTopK is used when the k query parameter is absent.
const DefaultTopK = 10

// RagService is the part of services.RagService the handlers need.
type RagService interface {
	Build(ctx context.Context) (*models.BuildResult, error)
	Current() *models.Index
	Explain(query string) models.Explanation
}

// TopResponse is the leaderboard view returned by GET /top.
type TopResponse struct {
	RunID     string                 `json:"run_id"`
	UpdatedAt float64                `json:"updated_at"`
	Count     int                    `json:"count"`
	Results   []*models.AssetProfile `json:"results"`
}

// RagHandler serves build, leaderboard and explain requests.
type RagHandler struct {
	svc    RagService
	logger *logrus.Logger
}

// NewRagHandler creates a new RAG handler
func NewRagHandler(svc RagService, logger *logrus.Logger) *RagHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &RagHandler{svc: svc, logger: logger}
}

// BuildIndex runs a full rebuild and returns its summary.
// @Summary Rebuild the asset index
// @Tags rag
// @Produce json
// @Success 200 {object} models.BuildResult
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/rag/build [post]
func (h *RagHandler) BuildIndex(c *gin.Context) {
	result, err := h.svc.Build(c.Request.Context())
	if err != nil {
		middleware.RecordError(c, err, "index build failed")
		h.logger.WithError(err).Error("Index build request failed")

		message := "Index build failed"
		if utils.IsInvariantError(err) {
			message = "Index build rejected: " + err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   message,
		})
		return
	}

	middleware.AddSpanAttribute(c, "rag.coins_indexed", result.CoinsIndexed)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// TopAssets returns the first k leaderboard entries.
// @Summary Leaderboard
// @Tags rag
// @Param k query int false "number of entries (default 10, minimum 1)"
// @Produce json
// @Success 200 {object} TopResponse
// @Router /api/v1/rag/top [get]
func (h *RagHandler) TopAssets(c *gin.Context) {
	k := DefaultTopK
	if raw := c.Query("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "k must be an integer",
			})
			return
		}
		k = parsed
	}

	ix := h.svc.Current()
	if ix == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "index has not been built yet",
		})
		return
	}

	results := ix.Top(k)
	middleware.AddSpanAttribute(c, "rag.k", k)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": TopResponse{
			RunID:     ix.RunID,
			UpdatedAt: models.UnixSeconds(ix.UpdatedAt),
			Count:     len(results),
			Results:   results,
		},
	})
}

// ExplainAsset describes why one asset scored what it did.
// @Summary Explain an asset score
// @Tags rag
// @Param coin path string true "ticker, alias, or fragment"
// @Produce json
// @Success 200 {object} models.Explanation
// @Failure 404 {object} models.Explanation
// @Router /api/v1/rag/explain/{coin} [get]
func (h *RagHandler) ExplainAsset(c *gin.Context) {
	exp := h.svc.Explain(c.Param("coin"))
	middleware.AddSpanAttribute(c, "rag.found", exp.Found)
	if !exp.Found {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"data":    exp,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    exp,
	})
}
