package bus

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"fever-threatbus/internal/common"
	"fever-threatbus/internal/threat"
)

// Publisher feeds indicators into the bus ingress subject. It implements
// threat.IndicatorStore so it can terminate an ETL run.
type Publisher struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher connects to the bus at address.
func NewPublisher(address, subject string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(address, nats.Name("fever-threatbus-publisher"))
	if err != nil {
		return nil, &common.ConnectionError{Component: common.ComponentBus, Addr: address, Err: err}
	}
	return &Publisher{
		nc:      nc,
		subject: cmp.Or(subject, "threatbus.ingress"),
		timeout: 5 * time.Second,
		logger:  logger.With("component", "publisher"),
	}, nil
}

// SaveIndicators publishes the raw STIX JSON of each indicator and waits
// until the server has received them.
func (p *Publisher) SaveIndicators(ctx context.Context, indicators []threat.Indicator) error {
	for _, ind := range indicators {
		if len(ind.Raw) == 0 {
			continue
		}
		if err := p.nc.Publish(p.subject, ind.Raw); err != nil {
			return fmt.Errorf("publish %s: %w", ind.ID, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	p.logger.Debug("published indicators", "subject", p.subject, "count", len(indicators))
	return nil
}

func (p *Publisher) Close() {
	p.nc.Close()
}
