package speedtest

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"dishmon/pkg/logx"
)

// SpeedtestNetConfig tunes server selection for the speedtest.net method.
type SpeedtestNetConfig struct {
	// Candidates is how many of the nearest servers get a latency probe
	// before one is chosen.
	Candidates int
	// MaxConnections caps parallel streams during the transfer phases.
	MaxConnections int
	// PacketLoss enables the UDP packet loss analyzer after the transfer
	// phases. It needs outbound UDP and is best-effort.
	PacketLoss bool
}

func (c SpeedtestNetConfig) withDefaults() SpeedtestNetConfig {
	if c.Candidates <= 0 {
		c.Candidates = 5
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	return c
}

// SpeedtestNet measures against the nearest acceptable speedtest.net server.
// It is the primary method in the chain.
type SpeedtestNet struct {
	cfg SpeedtestNetConfig
	log logx.Logger
}

func NewSpeedtestNet(cfg SpeedtestNetConfig, log logx.Logger) *SpeedtestNet {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SpeedtestNet{cfg: cfg.withDefaults(), log: log.With(logx.String("method", "speedtest.net"))}
}

func (m *SpeedtestNet) Name() string { return "speedtest.net" }

func (m *SpeedtestNet) Run(ctx context.Context) (Measurement, error) {
	client := st.New(st.WithUserConfig(&st.UserConfig{
		MaxConnections: m.cfg.MaxConnections,
	}))

	if _, err := client.FetchUserInfoContext(ctx); err != nil {
		return Measurement{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Measurement{}, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	targets := servers
	if len(targets) > m.cfg.Candidates {
		targets = targets[:m.cfg.Candidates]
	}

	server := m.pickByLatency(ctx, targets)
	if server == nil {
		return Measurement{}, fmt.Errorf("no candidate server responded to ping")
	}
	m.log.Debug("server selected",
		logx.String("host", server.Host),
		logx.String("sponsor", server.Sponsor),
		logx.Float64("distance_km", server.Distance),
	)

	if err := server.DownloadTestContext(ctx); err != nil {
		return Measurement{}, fmt.Errorf("download test: %w", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return Measurement{}, fmt.Errorf("upload test: %w", err)
	}

	meas := Measurement{
		DownloadBps:    server.DLSpeed.Mbps() * 1e6,
		UploadBps:      server.ULSpeed.Mbps() * 1e6,
		LatencyMs:      float64(server.Latency) / float64(time.Millisecond),
		JitterMs:       float64(server.Jitter) / float64(time.Millisecond),
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
	}

	if m.cfg.PacketLoss {
		if pct, err := m.packetLoss(ctx, server); err != nil {
			m.log.Debug("packet loss analysis skipped", logx.Err(err))
		} else {
			meas.PacketLossPct = pct
		}
	}
	return meas, nil
}

// pickByLatency pings each candidate and returns the one with the lowest
// observed latency, or nil if none respond.
func (m *SpeedtestNet) pickByLatency(ctx context.Context, targets st.Servers) *st.Server {
	var best *st.Server
	for _, s := range targets {
		if ctx.Err() != nil {
			return best
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			m.log.Debug("candidate ping failed", logx.String("host", s.Host), logx.Err(err))
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	return best
}

func (m *SpeedtestNet) packetLoss(ctx context.Context, server *st.Server) (float64, error) {
	host := server.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	analyzer := st.NewPacketLossAnalyzer(nil)
	pl, err := analyzer.RunMultiWithContext(ctx, []string{host})
	if err != nil {
		return 0, err
	}
	if pl == nil {
		return 0, fmt.Errorf("no packet loss data")
	}
	return pl.LossPercent(), nil
}
