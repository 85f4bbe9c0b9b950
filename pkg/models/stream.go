package models

import "encoding/json"

// ChatCompletionChunk is one event of an OpenAI-compatible completion
// stream. Delta and usage payloads stay raw so a captured stream can be
// replayed without re-shaping what the upstream sent.
type ChatCompletionChunk struct {
	ID                string          `json:"id"`
	Object            string          `json:"object,omitempty"`
	Created           int64           `json:"created"`
	Model             string          `json:"model"`
	SystemFingerprint string          `json:"system_fingerprint,omitempty"`
	Choices           []ChunkChoice   `json:"choices"`
	Usage             json.RawMessage `json:"usage,omitempty"`
}

// ChunkChoice is a choice within a streaming chunk.
type ChunkChoice struct {
	Index        int             `json:"index"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
	FinishReason *string         `json:"finish_reason"`
}

// HasUsage reports whether the chunk carries a usage accounting object.
func (c *ChatCompletionChunk) HasUsage() bool {
	return len(c.Usage) > 0 && string(c.Usage) != "null"
}

// HasFinish reports whether any choice carries a non-null finish reason.
func (c *ChatCompletionChunk) HasFinish() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != nil {
			return true
		}
	}
	return false
}

// ChunkEnvelope is the event metadata shared by every event in one run.
type ChunkEnvelope struct {
	ID                string `json:"id"`
	Object            string `json:"object,omitempty"`
	Created           int64  `json:"created"`
	Model             string `json:"model"`
	SystemFingerprint string `json:"system_fingerprint,omitempty"`
}

// RunDelta is one incremental payload captured within a run.
type RunDelta struct {
	Index int             `json:"index"`
	Delta json.RawMessage `json:"delta"`
}

// StreamRun is a maximal group of consecutive stream events compacted into
// one stored unit. A well-formed run holds the shared envelope, the ordered
// delta fragments, and optionally the verbatim closing event in Terminal.
// A run for an unrecognized event holds only Opaque: the payload exactly as
// it arrived.
type StreamRun struct {
	Envelope *ChunkEnvelope  `json:"envelope,omitempty"`
	Deltas   []RunDelta      `json:"deltas,omitempty"`
	Terminal json.RawMessage `json:"terminal,omitempty"`
	Opaque   json.RawMessage `json:"opaque,omitempty"`
}

// EventCount returns how many stream events the run expands back into.
func (r *StreamRun) EventCount() int {
	if len(r.Opaque) > 0 {
		return 1
	}
	n := len(r.Deltas)
	if len(r.Terminal) > 0 {
		n++
	}
	return n
}

// EncodeRuns serializes a captured run list for storage as a cache value.
func EncodeRuns(runs []StreamRun) ([]byte, error) {
	return json.Marshal(runs)
}

// DecodeRuns deserializes a stored streaming cache value.
func DecodeRuns(value []byte) ([]StreamRun, error) {
	var runs []StreamRun
	if err := json.Unmarshal(value, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
