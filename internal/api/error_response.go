package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the client-visible error fields.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, err error) {
	perr := llmerrors.AsProxyError(err)

	w.Header().Set("Content-Type", "application/json")
	if perr.RetryAfter > 0 {
		secs := int(perr.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(perr.HTTPStatusCode())

	resp := ErrorResponse{Error: ErrorDetail{
		Message: perr.Message,
		Type:    perr.Type,
	}}
	_ = json.NewEncoder(w).Encode(resp)
}
