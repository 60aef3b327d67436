package places

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/geoedge/internal/cryptoutil"
	"github.com/keithlinneman/geoedge/internal/log"
)

const (
	DefaultPollInterval = time.Minute

	maxBackoff = 10 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollHashError // SSM lookup failed, back off
	pollLoadError // download, verification or parse failed
	pollRejected  // parsed but too small to trust
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	CurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Dictionary, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncPlacesPolls()
	IncPlacesSwaps()
	IncPlacesError(kind string)
	ObservePlacesLoadDuration(seconds float64)
	SetPlacesLastSuccess(unixSeconds float64)
	SetPlacesStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Store        *Store
	PollInterval time.Duration

	// MinEntries rejects dictionaries with fewer lookup keys, guarding
	// against a truncated or placeholder document being published.
	MinEntries int

	// OnSwap runs on the poll goroutine after each successful swap.
	OnSwap func(version, hash string)

	Metrics WatcherMetrics

	// StaleThreshold defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls SSM for a new dictionary digest and swaps it into the Store.
type Watcher struct {
	fetcher    Fetcher
	store      *Store
	logger     log.Logger
	interval   time.Duration
	minEntries int
	onSwap     func(version, hash string)
	metrics    WatcherMetrics

	currentHash     string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	polls int64
	swaps int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Minute
	}
	return &Watcher{
		fetcher:        opts.Fetcher,
		store:          opts.Store,
		logger:         opts.Logger,
		interval:       opts.PollInterval,
		minEntries:     opts.MinEntries,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    opts.Store.Hash(),
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "places watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "places watcher stopping", "polls", w.polls, "swaps", w.swaps)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)
			w.adjust(ctx, ticker, result)
		}
	}
}

func (w *Watcher) adjust(ctx context.Context, ticker *time.Ticker, result pollResult) {
	if result == pollHashError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "places watcher backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)

		if since := time.Since(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
			w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
				"places watcher: dictionary freshness cannot be verified")
			w.staleLogged = true
			if w.metrics != nil {
				w.metrics.SetPlacesStale(true)
			}
		}
		return
	}

	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "places watcher recovered", "had_consecutive_errors", w.consecutiveErrs)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}
	if w.staleLogged {
		w.staleLogged = false
		if w.metrics != nil {
			w.metrics.SetPlacesStale(false)
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.polls++
	if w.metrics != nil {
		w.metrics.IncPlacesPolls()
	}

	hash, err := w.fetcher.CurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "places watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncPlacesError("ssm")
		}
		return pollHashError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetPlacesLastSuccess(float64(now.Unix()))
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	start := time.Now()
	d, err := w.fetcher.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObservePlacesLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "places watcher: load failed", "hash", truncHash(hash))
		if w.metrics != nil {
			w.metrics.IncPlacesError("load")
		}
		return pollLoadError
	}

	if d.Entries() < w.minEntries {
		w.logger.Error(ctx, fmt.Errorf("dictionary has %d entries, need at least %d", d.Entries(), w.minEntries),
			"places watcher: rejected dictionary, keeping current",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncPlacesError("validation")
		}
		return pollRejected
	}

	old := w.currentHash
	w.store.Set(d)
	w.currentHash = hash
	w.swaps++
	if w.metrics != nil {
		w.metrics.IncPlacesSwaps()
	}
	w.logger.Info(ctx, "places watcher: dictionary swapped",
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"version", d.Version,
	)

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r), "places watcher: OnSwap panicked")
				}
			}()
			w.onSwap(d.Version, hash)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
