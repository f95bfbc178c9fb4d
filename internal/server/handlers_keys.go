package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/lifecycle"
	"github.com/robotpdf/devkeys/internal/metering"
)

// secretWarning accompanies every response that carries a plaintext secret.
const secretWarning = "Store the api_secret now. It cannot be retrieved again."

const maxPageSize = 500

// IssuedResponse returns freshly issued credentials. It is the only response
// that contains a plaintext secret.
type IssuedResponse struct {
	Developer *developer.Developer  `json:"developer,omitempty"`
	Limits    *developer.UsageLimit `json:"limits,omitempty"`
	APIKey    string                `json:"api_key"`
	APISecret string                `json:"api_secret"`
	Warning   string                `json:"warning"`
}

func createdResponse(created developer.DeveloperCreated) IssuedResponse {
	return IssuedResponse{
		Developer: &created.Developer,
		Limits:    &created.Limit,
		APIKey:    created.Credentials.APIKey,
		APISecret: created.Credentials.APISecret,
		Warning:   secretWarning,
	}
}

func regeneratedResponse(issued developer.IssuedCredentials) IssuedResponse {
	return IssuedResponse{APIKey: issued.APIKey, APISecret: issued.APISecret, Warning: secretWarning}
}

// ListResponse wraps list results with their paging.
type ListResponse[T any] struct {
	Data   []T `json:"data"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// POST /keys
func (s *Server) handleKeysCreate(c *gin.Context) {
	var in lifecycle.CreateInput
	if !s.bindJSON(c, &in) {
		return
	}
	created, err := s.lifecycle.Create(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), in)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, createdResponse(created))
}

// GET /keys
func (s *Server) handleKeysList(c *gin.Context) {
	opts, ok := s.listOptions(c)
	if !ok {
		return
	}
	devs, err := s.lifecycle.List(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), opts)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[developer.Developer]{Data: devs, Limit: opts.Limit, Offset: opts.Offset})
}

// GET /keys/:id
func (s *Server) handleKeysShow(c *gin.Context) {
	details, err := s.lifecycle.Get(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// PATCH /keys/:id
func (s *Server) handleKeysUpdate(c *gin.Context) {
	var in lifecycle.UpdateInput
	if !s.bindJSON(c, &in) {
		return
	}
	dev, err := s.lifecycle.Update(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), c.Param("id"), in)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

// DELETE /keys/:id
func (s *Server) handleKeysDelete(c *gin.Context) {
	if err := s.lifecycle.Delete(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), c.Param("id")); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /keys/:id/regenerate
func (s *Server) handleKeysRegenerate(c *gin.Context) {
	issued, err := s.lifecycle.RegenerateSecret(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, regeneratedResponse(issued))
}

// GET /usage summarizes every key the user owns, or one key with ?developer_id=.
func (s *Server) handleSelfUsage(c *gin.Context) {
	tr, err := parseTimeRange(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	caller := lifecycle.UserCaller(userFrom(c))
	if id := c.Query("developer_id"); id != "" {
		summary, err := s.lifecycle.Usage(c.Request.Context(), caller, id, tr)
		if err != nil {
			abortWithError(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}
	summaries, err := s.lifecycle.OwnedUsage(c.Request.Context(), caller, tr)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[metering.UsageSummary]{Data: summaries})
}

// GET /logs pages the usage log of the user's keys.
func (s *Server) handleSelfLogs(c *gin.Context) {
	filter, ok := s.logFilter(c)
	if !ok {
		return
	}
	if id := c.Query("developer_id"); id != "" {
		filter.DeveloperIDs = []string{id}
	}
	entries, err := s.lifecycle.Logs(c.Request.Context(), lifecycle.UserCaller(userFrom(c)), filter)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[developer.UsageLogEntry]{Data: entries, Limit: filter.Limit, Offset: filter.Offset})
}

// bindJSON decodes the request body into dst, writing the error response on failure.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Code: developer.CodeInvalidRequest, Message: "request body too large"})
			return false
		}
		abortWithError(c, s.logger, badRequest(err))
		return false
	}
	return true
}

func (s *Server) listOptions(c *gin.Context) (lifecycle.ListOptions, bool) {
	limit, offset, err := parsePaging(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return lifecycle.ListOptions{}, false
	}
	return lifecycle.ListOptions{
		OwnerUserID: c.Query("owner_user_id"),
		ActiveOnly:  c.Query("active") == "true",
		Limit:       limit,
		Offset:      offset,
	}, true
}

func (s *Server) logFilter(c *gin.Context) (developer.UsageLogFilter, bool) {
	limit, offset, err := parsePaging(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return developer.UsageLogFilter{}, false
	}
	tr, err := parseTimeRange(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return developer.UsageLogFilter{}, false
	}
	if limit == 0 {
		limit = 100
	}
	return developer.UsageLogFilter{
		ToolName: c.Query("tool"),
		From:     tr.From,
		To:       tr.To,
		Limit:    limit,
		Offset:   offset,
	}, true
}

// parsePaging reads ?limit= and ?offset=. A zero limit means unbounded.
func parsePaging(c *gin.Context) (limit, offset int, err error) {
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 || limit > maxPageSize {
			return 0, 0, badRequest(errors.New("limit must be between 0 and " + strconv.Itoa(maxPageSize)))
		}
	}
	if v := c.Query("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, badRequest(errors.New("offset must be zero or greater"))
		}
	}
	return limit, offset, nil
}

// parseTimeRange reads ?from= and ?to= as RFC 3339 timestamps or YYYY-MM-DD dates.
func parseTimeRange(c *gin.Context) (metering.TimeRange, error) {
	var tr metering.TimeRange
	var err error
	if tr.From, err = parseTime(c.Query("from")); err != nil {
		return tr, badRequest(errors.New("from: " + err.Error()))
	}
	if tr.To, err = parseTime(c.Query("to")); err != nil {
		return tr, badRequest(errors.New("to: " + err.Error()))
	}
	return tr, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD date")
	}
	return t, nil
}
