// Package speedtest runs scheduled and on-demand speed tests through an
// ordered chain of measurement methods and records exactly one result per
// run.
package speedtest

import (
	"context"
	"errors"
)

// ErrTestInProgress rejects a manual trigger while a run or its cooldown is
// active. No queueing; the caller may retry later.
var ErrTestInProgress = errors.New("speed test already in progress")

// ErrAllMethodsFailed means every method in the chain failed. It is recorded
// as a failed result, never fatal to the scheduler.
var ErrAllMethodsFailed = errors.New("all speed test methods failed")

// Measurement is one method's raw outcome.
type Measurement struct {
	DownloadBps    float64
	UploadBps      float64
	LatencyMs      float64
	JitterMs       float64
	PacketLossPct  float64
	ServerLocation string
}

// Method is one way of measuring the link. Methods are tried in a fixed
// priority order until one succeeds; each invocation is bounded by the
// context it receives.
type Method interface {
	Name() string
	Run(ctx context.Context) (Measurement, error)
}
