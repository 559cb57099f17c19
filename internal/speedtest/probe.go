package speedtest

import (
	"context"
	"fmt"

	"dishmon/internal/clock"
	"dishmon/internal/telemetry"
)

// PassiveProbe is the chain's last resort: no traffic is generated, the
// estimate comes from recent dish telemetry via the usage classifier. It
// only fails when there is no history at all.
type PassiveProbe struct {
	classifier *telemetry.Classifier
	reader     telemetry.SampleReader
	clk        clock.Clock
}

func NewPassiveProbe(classifier *telemetry.Classifier, reader telemetry.SampleReader, clk clock.Clock) *PassiveProbe {
	if clk == nil {
		clk = clock.System{}
	}
	return &PassiveProbe{classifier: classifier, reader: reader, clk: clk}
}

func (m *PassiveProbe) Name() string { return "passive-probe" }

func (m *PassiveProbe) Run(ctx context.Context) (Measurement, error) {
	est, err := m.classifier.Estimate(ctx, m.clk.Now())
	if err != nil {
		return Measurement{}, fmt.Errorf("passive estimate: %w", err)
	}

	meas := Measurement{
		DownloadBps:    est.DownloadBps,
		UploadBps:      est.UploadBps,
		ServerLocation: "passive estimate",
	}
	if latest, ok, err := m.reader.LatestSample(ctx); err == nil && ok {
		meas.LatencyMs = latest.LatencyMs
	}
	return meas, nil
}
