package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Prober polls a health endpoint and feeds the result into a Monitor.
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Monitor  *Monitor
	Logger   *slog.Logger
}

func (p *Prober) Run(ctx context.Context) error {
	if p.Monitor == nil {
		return fmt.Errorf("monitor is required")
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("health url is required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.Monitor.Set(p.Probe(ctx))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			online := p.Probe(ctx)
			if online != p.Monitor.IsOnline() {
				p.logger().Info("connectivity changed", "online", online)
			}
			p.Monitor.Set(online)
		}
	}
}

// Probe reports whether the endpoint answered with a non-5xx status.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		p.logger().Debug("health probe failed", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
