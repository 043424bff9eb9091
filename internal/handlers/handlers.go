// Package handlers provides REST API handlers for the mediabroker API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"mediabroker/internal/aggregator"
	"mediabroker/internal/api"
	"mediabroker/internal/apierr"
	"mediabroker/internal/domain"
)

// Handler holds a reference to the command-table façade every route
// delegates to.
type Handler struct {
	API *api.Service
}

// New creates a new Handler wrapping the given Service.
func New(svc *api.Service) *Handler {
	return &Handler{API: svc}
}

// RegisterRoutes wires all API routes onto the given Gin router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/requests/movie", h.CreateMovie)
	rg.POST("/requests/tv", h.CreateTV)
	rg.GET("/requests", h.List)
	rg.GET("/requests/:id", h.Get)
	rg.DELETE("/requests/:id", h.Delete)
	rg.POST("/requests/:id/cancel", h.Cancel)
	rg.POST("/requests/:id/retry", h.Retry)
	rg.POST("/requests/:id/reprocess", h.Reprocess)
	rg.GET("/requests/:id/episodes", h.GetEpisodeStatuses)
	rg.GET("/requests/:id/alternatives", h.GetAlternatives)
	rg.POST("/requests/:id/accept-lower-quality", h.AcceptLowerQuality)
	rg.POST("/requests/:id/refresh-quality-search", h.RefreshQualitySearch)
}

// --- Request/Response types ---

// CreateMovieRequest is the JSON body for POST /requests/movie.
type CreateMovieRequest struct {
	CatalogID       string          `json:"catalogId" binding:"required"`
	Title           string          `json:"title" binding:"required"`
	Year            int             `json:"year"`
	Targets         []domain.Target `json:"targets" binding:"required,min=1"`
	SelectedRelease *domain.Release `json:"selectedRelease,omitempty"`
	TemplateID      string          `json:"templateId,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
}

// CreateTVRequest is the JSON body for POST /requests/tv.
type CreateTVRequest struct {
	CatalogID       string          `json:"catalogId" binding:"required"`
	Title           string          `json:"title" binding:"required"`
	Year            int             `json:"year"`
	Targets         []domain.Target `json:"targets" binding:"required,min=1"`
	Seasons         []int           `json:"seasons,omitempty"`
	Episodes        []int           `json:"episodes,omitempty"`
	SelectedRelease *domain.Release `json:"selectedRelease,omitempty"`
	TemplateID      string          `json:"templateId,omitempty"`
	Subscribe       bool            `json:"subscribe,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
}

// AcceptLowerQualityRequest is the JSON body for the accept-lower-quality
// route.
type AcceptLowerQualityRequest struct {
	ReleaseIndex int `json:"releaseIndex"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
}

// --- Request lifecycle handlers ---

// CreateMovie handles POST /requests/movie.
func (h *Handler) CreateMovie(c *gin.Context) {
	var req CreateMovieRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	result, err := h.API.CreateMovie(c.Request.Context(), api.CreateMovieInput{
		CatalogID: req.CatalogID, Title: req.Title, Year: req.Year, Targets: req.Targets,
		SelectedRelease: req.SelectedRelease, TemplateID: req.TemplateID, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// CreateTV handles POST /requests/tv.
func (h *Handler) CreateTV(c *gin.Context) {
	var req CreateTVRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	result, err := h.API.CreateTV(c.Request.Context(), api.CreateTVInput{
		CatalogID: req.CatalogID, Title: req.Title, Year: req.Year, Targets: req.Targets,
		Seasons: req.Seasons, Episodes: req.Episodes, SelectedRelease: req.SelectedRelease,
		TemplateID: req.TemplateID, Subscribe: req.Subscribe, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// List handles GET /requests.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	views, err := h.API.List(c.Request.Context(), api.ListInput{
		Limit: limit, Status: aggregator.Status(c.Query("status")),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// Get handles GET /requests/:id.
func (h *Handler) Get(c *gin.Context) {
	view, err := h.API.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Delete handles DELETE /requests/:id.
func (h *Handler) Delete(c *gin.Context) {
	if err := h.API.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Cancel handles POST /requests/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	if err := h.API.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Retry handles POST /requests/:id/retry.
func (h *Handler) Retry(c *gin.Context) {
	if err := h.API.Retry(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Reprocess handles POST /requests/:id/reprocess.
func (h *Handler) Reprocess(c *gin.Context) {
	if err := h.API.Reprocess(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// GetEpisodeStatuses handles GET /requests/:id/episodes.
func (h *Handler) GetEpisodeStatuses(c *gin.Context) {
	groups, err := h.API.GetEpisodeStatuses(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// GetAlternatives handles GET /requests/:id/alternatives.
func (h *Handler) GetAlternatives(c *gin.Context) {
	alts, err := h.API.GetAlternatives(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alts)
}

// AcceptLowerQuality handles POST /requests/:id/accept-lower-quality.
func (h *Handler) AcceptLowerQuality(c *gin.Context) {
	var req AcceptLowerQualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.API.AcceptLowerQuality(c.Request.Context(), c.Param("id"), req.ReleaseIndex); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// RefreshQualitySearch handles POST /requests/:id/refresh-quality-search.
func (h *Handler) RefreshQualitySearch(c *gin.Context) {
	if err := h.API.RefreshQualitySearch(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// writeError translates an apierr.Error class into the matching HTTP
// status; anything else falls back to 500.
func writeError(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		log.WithError(err).Error("unhandled api error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch apiErr.Class {
	case apierr.ClassNotFound:
		status = http.StatusNotFound
	case apierr.ClassPrecondition:
		status = http.StatusConflict
	case apierr.ClassExternal:
		status = http.StatusBadGateway
	case apierr.ClassAwaitingInput:
		status = http.StatusAccepted
	case apierr.ClassFatalMisconfig:
		status = http.StatusInternalServerError
	case apierr.ClassCancelled:
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("api error")
	}
	c.JSON(status, ErrorResponse{Error: apiErr.Error()})
}
