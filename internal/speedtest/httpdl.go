package speedtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"dishmon/pkg/logx"
)

// HTTPFallbackConfig tunes the plain HTTP transfer method.
type HTTPFallbackConfig struct {
	// DownloadURLs are tried in order; speeds from all that respond are
	// averaged. At least one must deliver bytes for the run to count.
	DownloadURLs []string
	// UploadURL receives a POST of UploadBytes. Empty disables the upload
	// phase; upload then reports zero.
	UploadURL string
	// DownloadCap stops a transfer once this many bytes arrived.
	DownloadCap int64
	// UploadBytes is the POST body size.
	UploadBytes int
	// PingHost is dialed on port 80 to estimate latency.
	PingHost string
}

func (c HTTPFallbackConfig) withDefaults() HTTPFallbackConfig {
	if len(c.DownloadURLs) == 0 {
		c.DownloadURLs = []string{
			"http://speedtest.ftp.otenet.gr/files/test10Mb.db",
			"http://speedtest.belwue.net/10M",
		}
	}
	if c.UploadURL == "" {
		c.UploadURL = "https://httpbin.org/post"
	}
	if c.DownloadCap <= 0 {
		c.DownloadCap = 10 << 20
	}
	if c.UploadBytes <= 0 {
		c.UploadBytes = 1 << 20
	}
	if c.PingHost == "" {
		c.PingHost = "8.8.8.8"
	}
	return c
}

// HTTPFallback measures by timing bulk HTTP transfers against public test
// files. Coarser than speedtest.net but survives environments where the
// speedtest protocol is blocked.
type HTTPFallback struct {
	cfg    HTTPFallbackConfig
	client *http.Client
	log    logx.Logger
}

func NewHTTPFallback(cfg HTTPFallbackConfig, log logx.Logger) *HTTPFallback {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPFallback{
		cfg:    cfg.withDefaults(),
		client: &http.Client{Timeout: 45 * time.Second},
		log:    log.With(logx.String("method", "http-download")),
	}
}

func (m *HTTPFallback) Name() string { return "http-download" }

func (m *HTTPFallback) Run(ctx context.Context) (Measurement, error) {
	var speeds []float64
	for _, u := range m.cfg.DownloadURLs {
		if ctx.Err() != nil {
			return Measurement{}, ctx.Err()
		}
		bps, err := m.timeDownload(ctx, u)
		if err != nil {
			m.log.Debug("download source failed", logx.String("url", u), logx.Err(err))
			continue
		}
		speeds = append(speeds, bps)
	}
	if len(speeds) == 0 {
		return Measurement{}, fmt.Errorf("no download source delivered data")
	}
	var sum float64
	for _, s := range speeds {
		sum += s
	}

	meas := Measurement{
		DownloadBps:    sum / float64(len(speeds)),
		ServerLocation: "http test servers",
	}
	if m.cfg.UploadURL != "" {
		bps, err := m.timeUpload(ctx)
		if err != nil {
			m.log.Debug("upload phase failed", logx.Err(err))
		} else {
			meas.UploadBps = bps
		}
	}
	if ms, err := m.dialLatency(ctx); err == nil {
		meas.LatencyMs = ms
	}
	return meas, nil
}

func (m *HTTPFallback) timeDownload(ctx context.Context, rawURL string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, m.cfg.DownloadCap))
	if n == 0 {
		if err == nil {
			err = fmt.Errorf("empty body")
		}
		return 0, err
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("zero elapsed time")
	}
	return float64(n) * 8 / elapsed, nil
}

func (m *HTTPFallback) timeUpload(ctx context.Context) (float64, error) {
	body := bytes.Repeat([]byte{'0'}, m.cfg.UploadBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.UploadURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("zero elapsed time")
	}
	return float64(len(body)) * 8 / elapsed, nil
}

// dialLatency times a bare TCP connect. Crude, but it needs no ICMP
// privileges and correlates well enough for a fallback method.
func (m *HTTPFallback) dialLatency(ctx context.Context) (float64, error) {
	host := m.cfg.PingHost
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "80"))
	if err != nil {
		return 0, err
	}
	conn.Close()
	return float64(time.Since(start)) / float64(time.Millisecond), nil
}
