package bridge

import (
	"context"
	"log/slog"
	"sync"

	"fever-threatbus/internal/bus"
	"fever-threatbus/internal/matcher"
)

// DialBus returns a BusDialer that subscribes with bus.Connect. When the
// previous subscription could not release its topic on Close, the new one
// releases it once it is subscribed.
func DialBus(cfg bus.Config, logger *slog.Logger) BusDialer {
	var (
		mu   sync.Mutex
		prev *bus.Subscription
	)
	return func(ctx context.Context) (Bus, error) {
		s, err := bus.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		stale := prev
		prev = s
		mu.Unlock()
		if stale != nil && !stale.Unsubscribed() && stale.Topic() != s.Topic() {
			_ = s.Release(ctx, stale.Topic())
		}
		return s, nil
	}
}

// DialMatcher returns a MatcherDialer that connects with matcher.Connect.
func DialMatcher(cfg matcher.Config, logger *slog.Logger) MatcherDialer {
	return func(ctx context.Context) (Matcher, error) {
		c, err := matcher.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
