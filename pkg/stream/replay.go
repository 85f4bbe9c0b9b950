package stream

import (
	"encoding/json"
	"fmt"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

// Replayer expands a stored run list back into individual event payloads,
// in capture order, followed by the end-of-stream marker. It follows the
// bufio.Scanner shape: call Next until it returns false, then check Err.
type Replayer struct {
	runs []models.StreamRun
	run  int
	pos  int
	done bool
	err  error
}

// NewReplayer returns a Replayer over a decoded capture.
func NewReplayer(runs []models.StreamRun) *Replayer {
	return &Replayer{runs: runs}
}

// Next returns the next event payload. Delta events are rebuilt from the
// run envelope; terminal and opaque events are returned exactly as
// captured. The last payload is the end-of-stream marker. It returns
// false once the capture is exhausted or replay fails.
func (p *Replayer) Next() ([]byte, bool) {
	if p.err != nil {
		return nil, false
	}
	for p.run < len(p.runs) {
		r := &p.runs[p.run]
		if len(r.Opaque) > 0 {
			p.run++
			return r.Opaque, true
		}
		if p.pos < len(r.Deltas) {
			d := r.Deltas[p.pos]
			p.pos++
			ev, err := deltaEvent(r.Envelope, d)
			if err != nil {
				p.err = fmt.Errorf("replay run %d delta %d: %w", p.run, p.pos-1, err)
				return nil, false
			}
			return ev, true
		}
		p.run++
		p.pos = 0
		if len(r.Terminal) > 0 {
			return r.Terminal, true
		}
	}
	if !p.done {
		p.done = true
		return []byte(DoneMarker), true
	}
	return nil, false
}

// Err reports why replay stopped early, or nil after a clean run-out.
func (p *Replayer) Err() error {
	return p.err
}

// deltaEvent rebuilds one incremental event from its run envelope and
// captured delta fragment.
func deltaEvent(env *models.ChunkEnvelope, d models.RunDelta) ([]byte, error) {
	if env == nil {
		env = &models.ChunkEnvelope{}
	}
	chunk := models.ChatCompletionChunk{
		ID:                env.ID,
		Object:            env.Object,
		Created:           env.Created,
		Model:             env.Model,
		SystemFingerprint: env.SystemFingerprint,
		Choices: []models.ChunkChoice{
			{Index: d.Index, Delta: d.Delta},
		},
	}
	return json.Marshal(chunk)
}
