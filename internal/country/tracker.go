// Package country keeps the IP-to-country dataset current. The dataset is
// downloaded once at startup and then refreshed on a cron schedule; lookups
// go through an in-memory LRU in front of the database.
package country

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/serverseeker/internal/db"
	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/metrics"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	// Datasets above this size are rejected.
	maxDatasetBytes = 512 << 20
)

// Store persists the dataset. *db.CountryRepository satisfies it.
type Store interface {
	ReplaceRanges(ctx context.Context, sourceURL string, ranges []db.CountryRange) (int, error)
	Lookup(ctx context.Context, addr netip.Addr) (string, error)
	Dataset(ctx context.Context) (*db.CountryDataset, error)
}

// Config holds tracker settings.
type Config struct {
	SourceURL       string
	UpdateFrequency time.Duration
	CacheSize       int
	HTTPTimeout     time.Duration
}

// Tracker downloads, stores and serves the country dataset.
type Tracker struct {
	config  Config
	store   Store
	client  *http.Client
	cache   *lru.Cache[netip.Addr, string]
	cron    *cron.Cron
	metrics metrics.Recorder
	logger  *logging.Logger

	// syncMu serializes dataset replacement.
	syncMu  sync.Mutex
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tracker) { t.client = c }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a tracker.
func New(cfg Config, store Store, opts ...Option) (*Tracker, error) {
	if cfg.SourceURL == "" {
		return nil, errors.ErrConfigInvalid("country_tracking.source_url", cfg.SourceURL)
	}
	if cfg.UpdateFrequency <= 0 {
		return nil, errors.ErrConfigInvalid("country_tracking.update_frequency", cfg.UpdateFrequency)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	cache, err := lru.New[netip.Addr, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create country cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		config:  cfg,
		store:   store,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		cache:   cache,
		cron:    cron.New(),
		metrics: metrics.Noop{},
		logger:  logging.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Initialize runs the mandatory first sync. If the download fails but a
// dataset from an earlier run is stored, the failure is logged and the
// stored dataset is used; otherwise a CodeCountrySync error is returned.
func (t *Tracker) Initialize(ctx context.Context) error {
	t.logger.InfoCountry("Ensuring country database is ready", "source", t.config.SourceURL)

	_, err := t.Sync(ctx)
	if err == nil {
		return nil
	}

	ds, dsErr := t.store.Dataset(ctx)
	if dsErr != nil || ds == nil || ds.Ranges == 0 {
		return err
	}
	t.logger.ErrorCountry("Initial country sync failed, using stored dataset", err,
		"ranges", ds.Ranges,
		"updated_at", ds.UpdatedAt)
	return nil
}

// Sync downloads the dataset and replaces the stored one. It returns the
// number of ranges stored.
func (t *Tracker) Sync(ctx context.Context) (int, error) {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	start := time.Now()
	n, err := t.sync(ctx)
	if err != nil {
		t.metrics.ObserveCountryUpdate("error", 0)
		return 0, err
	}

	t.cache.Purge()
	t.metrics.ObserveCountryUpdate("ok", n)
	t.logger.InfoCountry("Country dataset updated",
		"ranges", n,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return n, nil
}

func (t *Tracker) sync(ctx context.Context) (int, error) {
	ranges, err := t.download(ctx)
	if err != nil {
		return 0, errors.WrapCountryError("download failed", t.config.SourceURL, err)
	}
	if len(ranges) == 0 {
		return 0, errors.WrapCountryError("download failed", t.config.SourceURL,
			fmt.Errorf("dataset has no IPv4 ranges"))
	}

	n, err := t.store.ReplaceRanges(ctx, t.config.SourceURL, ranges)
	if err != nil {
		return 0, errors.WrapCountryError("storing dataset failed", t.config.SourceURL, err)
	}
	return n, nil
}

func (t *Tracker) download(ctx context.Context) ([]db.CountryRange, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.SourceURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return ParseDataset(io.LimitReader(resp.Body, maxDatasetBytes))
}

// Start schedules background refreshes every UpdateFrequency. A failed
// refresh is logged; lookups keep using the stored dataset.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("country tracker is already running")
	}

	spec := fmt.Sprintf("@every %s", t.config.UpdateFrequency)
	if _, err := t.cron.AddFunc(spec, t.refresh); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "invalid country update schedule", err)
	}
	t.cron.Start()
	t.running = true

	t.logger.InfoCountry("Country tracking scheduled", "every", t.config.UpdateFrequency.String())
	return nil
}

func (t *Tracker) refresh() {
	if _, err := t.Sync(t.ctx); err != nil {
		t.logger.ErrorCountry("Background country update failed", err)
	}
}

// Stop cancels a running refresh and waits for it to return.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancel()
	if !t.running {
		return
	}
	<-t.cron.Stop().Done()
	t.running = false
}

// Country returns the country code of addr, or "" when no range covers it.
func (t *Tracker) Country(ctx context.Context, addr netip.Addr) (string, error) {
	addr = addr.Unmap()
	if code, ok := t.cache.Get(addr); ok {
		return code, nil
	}
	code, err := t.store.Lookup(ctx, addr)
	if err != nil {
		return "", err
	}
	t.cache.Add(addr, code)
	return code, nil
}
