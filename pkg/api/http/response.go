package http

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/service"
	"asisaid.cn/unistore/internal/storage"
)

// HeaderClientID names the caller for rate limiting.
const HeaderClientID = "X-Client-ID"

// target returns the default backend for the requesting caller.
func target(c *gin.Context) service.Target {
	caller := c.GetHeader(HeaderClientID)
	if caller == "" {
		caller = c.ClientIP()
	}
	return service.Target{Caller: caller}
}

// statusOf maps an error onto an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.IsRateLimited(err):
		return http.StatusTooManyRequests
	case errors.IsSecurity(err), errors.IsValidation(err), errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as a JSON error body. Rate limited responses carry
// Retry-After in whole seconds.
func writeError(c *gin.Context, err error) {
	status := statusOf(err)

	var rle *errors.RateLimitError
	if errors.As(err, &rle) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
	}

	msg := errors.Reason(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error":      msg,
		"request_id": c.GetString(requestIDKey),
	})
}

// outcomeJSON is the wire form of one batch item.
type outcomeJSON struct {
	Success bool                  `json:"success"`
	Result  *storage.UploadResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func uploadOutcomesJSON(outcomes []storage.UploadOutcome) []outcomeJSON {
	out := make([]outcomeJSON, len(outcomes))
	for i, o := range outcomes {
		if o.OK() {
			out[i] = outcomeJSON{Success: true, Result: o.Result}
			continue
		}
		out[i] = outcomeJSON{Error: errors.Reason(o.Err)}
	}
	return out
}

type deleteJSON struct {
	Reference string `json:"reference"`
	Deleted   bool   `json:"deleted"`
	Error     string `json:"error,omitempty"`
}

func deleteOutcomesJSON(outcomes []storage.DeleteOutcome) []deleteJSON {
	out := make([]deleteJSON, len(outcomes))
	for i, o := range outcomes {
		out[i] = deleteJSON{Reference: o.Reference, Deleted: o.Deleted}
		if o.Err != nil {
			out[i].Error = errors.Reason(o.Err)
		}
	}
	return out
}
