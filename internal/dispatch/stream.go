package dispatch

import (
	"net/http"

	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// StreamResult is an accepted upstream streaming response, handed to the API
// layer unread. Closing it cancels the upstream call, which surrenders the
// connection when the client disconnects mid-stream.
type StreamResult struct {
	Response *http.Response
	Adapter  provider.Adapter

	cancel        func()
	observeTokens func(tokens int)
}

// ObserveUsage charges token usage harvested from the trailing usage chunk.
func (s *StreamResult) ObserveUsage(usage *types.Usage) {
	if usage != nil && s.observeTokens != nil {
		s.observeTokens(usage.TotalTokens)
	}
}

// Close releases the upstream connection.
func (s *StreamResult) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.Response != nil && s.Response.Body != nil {
		_ = s.Response.Body.Close()
	}
}
