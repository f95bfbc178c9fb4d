package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/lifecycle"
	"github.com/robotpdf/devkeys/internal/metering"
)

// adminCaller is the lifecycle caller for requests bearing the management token.
var adminCaller = lifecycle.AdminCaller(audit.ActorManagement)

// POST /developers
func (s *Server) handleDevelopersCreate(c *gin.Context) {
	var in lifecycle.CreateInput
	if !s.bindJSON(c, &in) {
		return
	}
	created, err := s.lifecycle.Create(c.Request.Context(), adminCaller, in)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, createdResponse(created))
}

// GET /developers
func (s *Server) handleDevelopersList(c *gin.Context) {
	opts, ok := s.listOptions(c)
	if !ok {
		return
	}
	devs, err := s.lifecycle.List(c.Request.Context(), adminCaller, opts)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[developer.Developer]{Data: devs, Limit: opts.Limit, Offset: opts.Offset})
}

// GET /developers/:id
func (s *Server) handleDevelopersShow(c *gin.Context) {
	details, err := s.lifecycle.Get(c.Request.Context(), adminCaller, c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// PUT /developers/:id
func (s *Server) handleDevelopersUpdate(c *gin.Context) {
	var in lifecycle.UpdateInput
	if !s.bindJSON(c, &in) {
		return
	}
	dev, err := s.lifecycle.Update(c.Request.Context(), adminCaller, c.Param("id"), in)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

// DELETE /developers/:id
func (s *Server) handleDevelopersDelete(c *gin.Context) {
	if err := s.lifecycle.Delete(c.Request.Context(), adminCaller, c.Param("id")); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PUT /developers/:id/limits
func (s *Server) handleDevelopersLimits(c *gin.Context) {
	var in lifecycle.LimitsInput
	if !s.bindJSON(c, &in) {
		return
	}
	limit, err := s.lifecycle.UpdateLimits(c.Request.Context(), adminCaller, c.Param("id"), in)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

// POST /developers/:id/reset-usage
func (s *Server) handleDevelopersResetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.lifecycle.ResetMonthlyUsage(ctx, adminCaller, id); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	summary, err := s.lifecycle.Usage(ctx, adminCaller, id, metering.TimeRange{})
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// POST /developers/:id/regenerate
func (s *Server) handleDevelopersRegenerate(c *gin.Context) {
	issued, err := s.lifecycle.RegenerateSecret(c.Request.Context(), adminCaller, c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, regeneratedResponse(issued))
}

// GET /developers/:id/usage
func (s *Server) handleDevelopersUsage(c *gin.Context) {
	tr, err := parseTimeRange(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	summary, err := s.lifecycle.Usage(c.Request.Context(), adminCaller, c.Param("id"), tr)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GET /developers/:id/logs
func (s *Server) handleDevelopersLogs(c *gin.Context) {
	filter, ok := s.logFilter(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	// Existence check so an unknown id is a 404 rather than an empty page.
	if _, err := s.lifecycle.Get(ctx, adminCaller, id); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	filter.DeveloperIDs = []string{id}
	entries, err := s.lifecycle.Logs(ctx, adminCaller, filter)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[developer.UsageLogEntry]{Data: entries, Limit: filter.Limit, Offset: filter.Offset})
}
