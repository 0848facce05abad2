package connectivity

import (
	"context"
	"time"

	"github.com/wb-go/wbf/zlog"
)

// Pinger checks whether a remote dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watch pings p every interval and feeds the result into m until ctx is
// done. Each ping is bounded by timeout.
func Watch(ctx context.Context, m *Monitor, p Pinger, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}

	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := p.Ping(pctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && m.Online() {
			zlog.Logger.Warn().Err(err).Msg("storage probe failed")
		}
		m.Set(err == nil)
	}

	probe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
