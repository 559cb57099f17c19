package telemetry

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStreamSourceDecodesAndEnds(t *testing.T) {
	src := NewStreamSource(strings.NewReader(
		`{"timestamp":"2025-03-01T10:00:00Z","download_bps":5000000,"latency_ms":40}
{"timestamp":"2025-03-01T10:00:01Z","download_bps":6000000,"latency_ms":42}
`))

	ctx := context.Background()
	first, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if first.DownloadBps != 5e6 || first.LatencyMs != 40 {
		t.Fatalf("unexpected first sample: %+v", first)
	}
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrTransientUnavailable) {
		t.Fatalf("end of stream = %v, want ErrTransientUnavailable", err)
	}
}

func TestStreamSourceHonorsContext(t *testing.T) {
	// A reader that never produces data; Next must return on cancellation.
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	src := NewStreamSource(blockingReader{ch: blocked})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want deadline exceeded", err)
	}
}

type blockingReader struct{ ch chan struct{} }

func (r blockingReader) Read([]byte) (int, error) {
	<-r.ch
	return 0, io.EOF
}
