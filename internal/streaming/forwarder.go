// Package streaming relays SSE streams from an upstream provider to the
// client. The forwarder owns the streaming caveat of the dispatch pipeline:
// once the first chunk has been written, an upstream failure terminates the
// client stream with a final error event instead of swapping upstreams.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

const (
	// DefaultBufferSize is the base scanner buffer; lines may grow to four
	// times this before the scanner errors.
	DefaultBufferSize = 4096

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the stream completion sentinel.
	SSEDone = "[DONE]"
)

// bufferPool reuses scanner buffers across streams.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// ChunkParser parses provider-specific SSE data into normalized chunks.
// Returns nil, nil for keep-alive and non-content events.
type ChunkParser interface {
	ParseStreamChunk(data []byte) (*types.StreamChunk, error)
}

// Forwarder relays one upstream SSE body to one client response.
type Forwarder struct {
	upstream  *http.Response
	parser    ChunkParser
	clientCtx context.Context

	// OnChunk, when set, observes every forwarded chunk. Used to harvest the
	// trailing usage chunk for token accounting.
	OnChunk func(*types.StreamChunk)
}

// NewForwarder creates a forwarder over an already-accepted upstream
// response (status < 400).
func NewForwarder(clientCtx context.Context, upstream *http.Response, parser ChunkParser) *Forwarder {
	return &Forwarder{
		upstream:  upstream,
		parser:    parser,
		clientCtx: clientCtx,
	}
}

// Forward streams until the upstream sends [DONE], fails, or the client
// disconnects. The upstream body is always closed, which releases the
// connection when the client goes away mid-stream.
func (f *Forwarder) Forward(w http.ResponseWriter) error {
	defer f.upstream.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)

	scanner := bufio.NewScanner(f.upstream.Body)
	scanner.Buffer(*buf, DefaultBufferSize*4)

	sawDone := false
	for scanner.Scan() {
		select {
		case <-f.clientCtx.Done():
			return f.clientCtx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if bytes.Equal(line, []byte(SSEDataPrefix+SSEDone)) || bytes.Equal(line, []byte(SSEDone)) {
			sawDone = true
			writeLine(w, []byte(SSEDataPrefix+SSEDone))
			flusher.Flush()
			break
		}

		chunk, err := f.parser.ParseStreamChunk(line)
		if err != nil || chunk == nil {
			continue
		}
		if f.OnChunk != nil {
			f.OnChunk(chunk)
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		writeLine(w, append([]byte(SSEDataPrefix), data...))
		flusher.Flush()
	}

	if err := scanner.Err(); err != nil && f.clientCtx.Err() == nil {
		f.writeErrorEvent(w, flusher, "upstream stream failed")
		return fmt.Errorf("upstream read: %w", err)
	}
	if !sawDone && f.clientCtx.Err() == nil {
		f.writeErrorEvent(w, flusher, "upstream closed the stream unexpectedly")
		return fmt.Errorf("upstream closed before [DONE]")
	}
	return f.clientCtx.Err()
}

// writeErrorEvent emits the terminal error event mandated for mid-stream
// upstream failures.
func (f *Forwarder) writeErrorEvent(w http.ResponseWriter, flusher http.Flusher, message string) {
	event := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	writeLine(w, append([]byte(SSEDataPrefix), data...))
	flusher.Flush()
}

func writeLine(w http.ResponseWriter, line []byte) {
	_, _ = w.Write(line)
	_, _ = w.Write([]byte("\n\n"))
}
