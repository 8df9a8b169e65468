package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/trialsync/internal/retry"
)

// Change is one frame of the server's change feed.
type Change struct {
	Table     string `json:"table"`
	ID        string `json:"id,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

const reconnectJitter = 0.5

// Notifier subscribes to the server's change feed over a websocket and calls
// OnChange for each frame that names a table. It reconnects with jittered
// exponential backoff until its context ends.
type Notifier struct {
	URL      string
	Token    string
	OnChange func(Change)
	Logger   *slog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NotifierURL derives the change feed address from an http(s) base URL.
func NotifierURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/changes"
}

func (n *Notifier) Run(ctx context.Context) error {
	if strings.TrimSpace(n.URL) == "" {
		return fmt.Errorf("notifier url is required")
	}
	attempt := 0
	for {
		connected, err := n.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := n.reconnectDelay(attempt, rand.Float64())
		n.logger().Warn("change feed disconnected", "error", err, "retry_in", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
}

// reconnectDelay is the wait before reconnect attempt, scaled by a factor in
// [0.5, 1.5] chosen by sample.
func (n *Notifier) reconnectDelay(attempt int, sample float64) time.Duration {
	minBackoff, maxBackoff := n.MinBackoff, n.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	return retry.Backoff(attempt, minBackoff, maxBackoff, reconnectJitter, sample)
}

// listen reads frames until the connection drops. connected reports whether
// the dial succeeded.
func (n *Notifier) listen(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if token := strings.TrimSpace(n.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, n.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	n.logger().Info("change feed connected", "url", n.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var change Change
		if err := json.Unmarshal(data, &change); err != nil {
			n.logger().Debug("ignoring malformed change frame", "error", err)
			continue
		}
		if change.Table == "" || n.OnChange == nil {
			continue
		}
		n.OnChange(change)
	}
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
