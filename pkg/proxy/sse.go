package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/models"
	"github.com/cachegate-ai/cachegate/pkg/stream"
)

// relayResult accumulates what the relay learned from a live stream.
type relayResult struct {
	runs   []models.StreamRun
	events int
	usage  *models.Usage
	model  string
	done   bool
}

// relayStream forwards an SSE response line by line while folding its
// events into runs. Status and headers are copied before the first byte;
// nothing is buffered beyond the current line, so the client sees events
// exactly when the upstream sends them. A nil result means nothing was
// written to the client yet.
func relayStream(w http.ResponseWriter, resp *http.Response) (*relayResult, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	res := &relayResult{}
	rec := stream.NewRecorder()
	scanner := bufio.NewScanner(resp.Body)
	// Usage-bearing final chunks can exceed the default token size.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)

		// Flush on blank lines (SSE event boundary)
		if line == "" {
			flusher.Flush()
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == stream.DoneMarker {
			res.done = true
			continue
		}

		rec.Observe([]byte(data))
		res.events++
		streamEvents.WithLabelValues("live").Inc()

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err == nil {
			if chunk.Model != "" {
				res.model = chunk.Model
			}
			if chunk.HasUsage() {
				var u models.Usage
				if err := json.Unmarshal(chunk.Usage, &u); err == nil {
					res.usage = &u
				}
			}
		}
	}
	flusher.Flush()

	res.runs = rec.Runs()
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading stream: %w", err)
	}
	return res, nil
}

// replayStream renders stored runs back into an event stream. A positive
// interval paces consecutive events; zero replays as fast as the client
// reads.
func replayStream(w http.ResponseWriter, runs []models.StreamRun, interval time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rp := stream.NewReplayer(runs)
	first := true
	for {
		payload, ok := rp.Next()
		if !ok {
			break
		}
		if !first && interval > 0 {
			time.Sleep(interval)
		}
		first = false

		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		if string(payload) != stream.DoneMarker {
			streamEvents.WithLabelValues("replay").Inc()
		}
	}
	return rp.Err()
}

// writeDoneFrame terminates an event stream the upstream left unfinished.
func writeDoneFrame(w http.ResponseWriter) {
	fmt.Fprintf(w, "data: %s\n\n", stream.DoneMarker)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
