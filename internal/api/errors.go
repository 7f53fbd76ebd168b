package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/manash/archrefine/internal/session"
	"github.com/manash/archrefine/pkg/models"
)

type errorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Iteration *models.Iteration `json:"iteration,omitempty"`
}

var errHistoryDisabled = errors.New("run history is not configured")

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, session.ErrCancelled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, session.ErrGenerationFailed):
		return http.StatusBadGateway, "generation_failed"
	case errors.Is(err, session.ErrEvaluationFailed):
		return http.StatusBadGateway, "evaluation_failed"
	case errors.Is(err, session.ErrRefinementFailed):
		return http.StatusBadGateway, "refinement_failed"
	case errors.Is(err, errHistoryDisabled):
		return http.StatusServiceUnavailable, "history_disabled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) abort(c *gin.Context, err error) {
	h.abortWithIteration(c, err, nil)
}

// abortWithIteration writes the error body. A failed evaluation still
// carries the unscored iteration it appended.
func (h *Handler) abortWithIteration(c *gin.Context, err error, it *models.Iteration) {
	status, code := statusFor(err)
	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: code, Iteration: it})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
}
