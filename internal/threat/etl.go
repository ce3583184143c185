package threat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ETLController coordinates fetching indicators and storing them.
type ETLController struct {
	fetchers []IndicatorFetcher
	store    IndicatorStore
	logger   *slog.Logger
}

// NewETLController creates a new controller.
func NewETLController(store IndicatorStore, logger *slog.Logger) *ETLController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ETLController{store: store, logger: logger.With("component", "etl")}
}

// Register adds a fetcher to the controller.
func (c *ETLController) Register(f IndicatorFetcher) {
	c.fetchers = append(c.fetchers, f)
}

// Run executes all fetchers concurrently and saves what each returns.
// A failing source does not stop the others; all failures are joined.
func (c *ETLController) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, f := range c.fetchers {
		wg.Add(1)
		go func(fetcher IndicatorFetcher) {
			defer wg.Done()
			indicators, err := fetcher.Fetch(ctx)
			if err != nil {
				c.logger.Error("fetch failed", "source", fetcher.Name(), "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", fetcher.Name(), err))
				mu.Unlock()
				return
			}
			if len(indicators) == 0 {
				return
			}
			if err := c.store.SaveIndicators(ctx, indicators); err != nil {
				c.logger.Error("store failed", "source", fetcher.Name(), "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: store: %w", fetcher.Name(), err))
				mu.Unlock()
				return
			}
			c.logger.Info("loaded indicators", "source", fetcher.Name(), "count", len(indicators))
		}(f)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// MemoryStore is a simple in-memory implementation of IndicatorStore.
type MemoryStore struct {
	mu   sync.Mutex
	data []Indicator
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) SaveIndicators(ctx context.Context, ind []Indicator) error {
	m.mu.Lock()
	m.data = append(m.data, ind...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) All() []Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Indicator(nil), m.data...)
}

// FileFetcher reads indicators from a STIX bundle file.
type FileFetcher struct {
	path   string
	logger *slog.Logger
}

func NewFileFetcher(path string, logger *slog.Logger) *FileFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileFetcher{path: path, logger: logger}
}

func (f *FileFetcher) Name() string { return "file:" + f.path }

// Fetch returns the valid indicators of the bundle. Malformed indicators are
// logged and skipped.
func (f *FileFetcher) Fetch(ctx context.Context) ([]Indicator, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	inds, err := ParseBundle(data)
	if err != nil && inds == nil {
		return nil, err
	}
	if err != nil {
		f.logger.Warn("skipped malformed indicators", "source", f.Name(), "err", err)
	}
	return inds, nil
}
