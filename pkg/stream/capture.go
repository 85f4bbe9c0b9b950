// Package stream compacts OpenAI-compatible completion streams for storage
// and expands stored captures back into the event sequence a live upstream
// would have produced.
//
// A capture groups consecutive events that share one envelope into runs.
// Delta-only events contribute their incremental payload to the open run;
// an event carrying usage accounting or a finish reason closes the run and
// is kept verbatim as its terminal. Events the compactor cannot represent
// this way are kept verbatim as single-event runs, so replay is lossless
// for anything an upstream sends.
package stream

import (
	"bytes"
	"encoding/json"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

// DoneMarker is the payload of the end-of-stream frame on the wire.
const DoneMarker = "[DONE]"

type eventKind int

const (
	eventOpaque eventKind = iota
	eventDelta
	eventTerminal
)

// classify decides how one event folds into the run list. Anything that
// fails to decode, or whose shape cannot be rebuilt from an envelope plus
// a single delta, is opaque and stored exactly as it arrived.
func classify(payload []byte, chunk *models.ChatCompletionChunk) eventKind {
	if err := json.Unmarshal(payload, chunk); err != nil {
		return eventOpaque
	}
	if len(chunk.Choices) == 0 && !chunk.HasUsage() {
		return eventOpaque
	}
	if chunk.HasUsage() || chunk.HasFinish() {
		return eventTerminal
	}
	if len(chunk.Choices) != 1 {
		return eventOpaque
	}
	ch := chunk.Choices[0]
	if len(ch.Delta) == 0 {
		return eventOpaque
	}
	if len(ch.Logprobs) > 0 && string(ch.Logprobs) != "null" {
		return eventOpaque
	}
	return eventDelta
}

// Recorder folds a live event sequence into a compacted run list while the
// caller forwards the same events downstream. It performs no I/O and holds
// no locks; one Recorder serves exactly one stream.
type Recorder struct {
	runs    []models.StreamRun
	current *models.StreamRun
	events  int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Observe folds one event payload, the JSON between the frame prefix and
// its trailing blank line, into the capture. The payload is copied, so
// callers may reuse the buffer between events. The end-of-stream marker is
// framing, not an event, and must not be passed here.
func (r *Recorder) Observe(payload []byte) {
	ev := bytes.Clone(payload)
	r.events++

	var chunk models.ChatCompletionChunk
	switch classify(ev, &chunk) {
	case eventOpaque:
		r.flush()
		r.runs = append(r.runs, models.StreamRun{Opaque: ev})
	case eventTerminal:
		run := r.current
		if run == nil {
			env := envelopeOf(&chunk)
			run = &models.StreamRun{Envelope: &env}
		}
		run.Terminal = ev
		r.runs = append(r.runs, *run)
		r.current = nil
	case eventDelta:
		env := envelopeOf(&chunk)
		if r.current == nil || *r.current.Envelope != env {
			r.flush()
			r.current = &models.StreamRun{Envelope: &env}
		}
		ch := chunk.Choices[0]
		r.current.Deltas = append(r.current.Deltas, models.RunDelta{Index: ch.Index, Delta: ch.Delta})
	}
}

// Runs closes any still-open run and returns the compacted capture in
// arrival order. A trailing run without a terminal means the upstream
// sequence ended before a finish event; the caller decides whether such a
// capture is worth persisting.
func (r *Recorder) Runs() []models.StreamRun {
	r.flush()
	return r.runs
}

// Events reports how many events have been observed.
func (r *Recorder) Events() int {
	return r.events
}

func (r *Recorder) flush() {
	if r.current != nil {
		r.runs = append(r.runs, *r.current)
		r.current = nil
	}
}

func envelopeOf(c *models.ChatCompletionChunk) models.ChunkEnvelope {
	return models.ChunkEnvelope{
		ID:                c.ID,
		Object:            c.Object,
		Created:           c.Created,
		Model:             c.Model,
		SystemFingerprint: c.SystemFingerprint,
	}
}
