package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const relayBufferSize = 32 << 10

// errClientWrite marks a relay that stopped because the caller went away.
var errClientWrite = errors.New("write to client failed")

// beginSSE commits the response to an event stream. It returns false when the
// writer cannot flush, after writing a JSON error.
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = ErrorResponse(w, http.StatusInternalServerError, "sse_unsupported", "SSE not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeSSEEvent writes one named event with a JSON payload and flushes it.
func writeSSEEvent(w io.Writer, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeSSEError reports a failure in-band. The stream must end afterwards.
func writeSSEError(w io.Writer, flusher http.Flusher, message string) error {
	return writeSSEEvent(w, flusher, "error", map[string]string{"error": message})
}

// relayStream copies src to w unchanged, flushing after every read so frames
// reach the caller as soon as the upstream produces them.
func relayStream(w io.Writer, flusher http.Flusher, src io.Reader) (int64, error) {
	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("%w: %v", errClientWrite, werr)
			}
			flusher.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
