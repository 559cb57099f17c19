package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// StreamSource adapts a newline-delimited JSON sample feed to the Source
// interface. The dish transport is an external collaborator; it pipes typed
// samples in, one object per line, and this adapter does no protocol work.
//
// Decoding runs in its own goroutine so Next honors context cancellation
// even while the underlying reader blocks.
type StreamSource struct {
	dec     *json.Decoder
	results chan streamResult
	started bool
}

type streamResult struct {
	sample Sample
	err    error
}

func NewStreamSource(r io.Reader) *StreamSource {
	return &StreamSource{
		dec:     json.NewDecoder(r),
		results: make(chan streamResult),
	}
}

func (s *StreamSource) Next(ctx context.Context) (Sample, error) {
	if !s.started {
		s.started = true
		go s.decodeLoop()
	}
	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case res, ok := <-s.results:
		if !ok {
			return Sample{}, fmt.Errorf("sample stream ended: %w", ErrTransientUnavailable)
		}
		return res.sample, res.err
	}
}

func (s *StreamSource) decodeLoop() {
	defer close(s.results)
	for {
		var sample Sample
		err := s.dec.Decode(&sample)
		if err == io.EOF {
			return
		}
		if err != nil {
			// A malformed line is a hiccup, not the end of the stream, but
			// the decoder cannot resync reliably; surface and stop.
			s.results <- streamResult{err: fmt.Errorf("decode sample: %w: %v", ErrTransientUnavailable, err)}
			return
		}
		s.results <- streamResult{sample: sample}
	}
}
