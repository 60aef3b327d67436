package places

import (
	"context"
	"errors"
	"testing"
	"time"
)

type spyMetrics struct {
	polls, swaps int
	errs         map[string]int
	stale        bool
	lastSuccess  float64
	loads        int
}

func newSpyMetrics() *spyMetrics { return &spyMetrics{errs: map[string]int{}} }

func (m *spyMetrics) IncPlacesPolls()                   { m.polls++ }
func (m *spyMetrics) IncPlacesSwaps()                   { m.swaps++ }
func (m *spyMetrics) IncPlacesError(kind string)        { m.errs[kind]++ }
func (m *spyMetrics) ObservePlacesLoadDuration(float64) { m.loads++ }
func (m *spyMetrics) SetPlacesLastSuccess(v float64)    { m.lastSuccess = v }
func (m *spyMetrics) SetPlacesStale(stale bool)         { m.stale = stale }

type watcherFixture struct {
	s3      *fakeS3
	ssm     *fakeSSM
	store   *Store
	metrics *spyMetrics
	watcher *Watcher
	swapped []string
}

func newWatcherFixture(t *testing.T, minEntries int) *watcherFixture {
	t.Helper()
	f := &watcherFixture{s3: newFakeS3(), ssm: &fakeSSM{}, metrics: newSpyMetrics()}
	f.store = NewStore(mustEmbedded(t))
	f.ssm.value = f.store.Hash()
	f.watcher = NewWatcher(WatcherOptions{
		Fetcher:      newTestLoader(t, f.s3, f.ssm, nil),
		Store:        f.store,
		PollInterval: time.Second,
		MinEntries:   minEntries,
		Metrics:      f.metrics,
		OnSwap:       func(version, _ string) { f.swapped = append(f.swapped, version) },
	})
	return f
}

func TestWatcher_NoChange(t *testing.T) {
	f := newWatcherFixture(t, 0)
	if r := f.watcher.checkOnce(context.Background()); r != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", r)
	}
	if len(f.s3.gets) != 0 {
		t.Fatal("unchanged hash must not download")
	}
	if f.metrics.polls != 1 || f.metrics.lastSuccess == 0 {
		t.Fatalf("metrics not updated: %+v", f.metrics)
	}
}

func TestWatcher_Swap(t *testing.T) {
	f := newWatcherFixture(t, 1)
	hash := publish(f.s3, f.ssm, testDoc)

	if r := f.watcher.checkOnce(context.Background()); r != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", r)
	}
	if f.store.Hash() != hash || f.store.Version() != "2026.10.2" {
		t.Fatalf("store not swapped: %s %s", f.store.Hash(), f.store.Version())
	}
	if len(f.swapped) != 1 || f.swapped[0] != "2026.10.2" || f.metrics.swaps != 1 {
		t.Fatalf("OnSwap/metrics not called: %v %+v", f.swapped, f.metrics)
	}

	if r := f.watcher.checkOnce(context.Background()); r != pollNoChange {
		t.Fatalf("second poll = %v, want pollNoChange", r)
	}
}

func TestWatcher_LoadErrorKeepsCurrent(t *testing.T) {
	f := newWatcherFixture(t, 0)
	before := f.store.Current()
	f.ssm.value = publish(newFakeS3(), &fakeSSM{}, testDoc) // hash points at an object we never stored

	if r := f.watcher.checkOnce(context.Background()); r != pollLoadError {
		t.Fatalf("result = %v, want pollLoadError", r)
	}
	if f.store.Current() != before || f.metrics.errs["load"] != 1 {
		t.Fatal("failed load must not swap")
	}
}

func TestWatcher_RejectsSmallDictionary(t *testing.T) {
	f := newWatcherFixture(t, 50)
	before := f.store.Current()
	publish(f.s3, f.ssm, testDoc)

	if r := f.watcher.checkOnce(context.Background()); r != pollRejected {
		t.Fatalf("result = %v, want pollRejected", r)
	}
	if f.store.Current() != before || f.metrics.errs["validation"] != 1 {
		t.Fatal("rejected dictionary must not swap")
	}
}

func TestWatcher_OnSwapPanicRecovered(t *testing.T) {
	f := newWatcherFixture(t, 0)
	f.watcher.onSwap = func(string, string) { panic("boom") }
	publish(f.s3, f.ssm, testDoc)
	if r := f.watcher.checkOnce(context.Background()); r != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", r)
	}
}

func TestWatcher_BackoffAndStaleness(t *testing.T) {
	f := newWatcherFixture(t, 0)
	f.ssm.err = errors.New("throttled")
	f.watcher.staleThreshold = time.Millisecond
	f.watcher.lastSuccessAt = time.Now().Add(-time.Hour)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		r := f.watcher.checkOnce(context.Background())
		if r != pollHashError {
			t.Fatalf("result = %v, want pollHashError", r)
		}
		f.watcher.adjust(context.Background(), ticker, r)
		if want := time.Second << i; f.watcher.backoffDuration() != want {
			t.Fatalf("backoff after %d errors = %v, want %v", i, f.watcher.backoffDuration(), want)
		}
	}
	if !f.metrics.stale {
		t.Fatal("expected stale after threshold")
	}

	f.ssm.err = nil
	r := f.watcher.checkOnce(context.Background())
	f.watcher.adjust(context.Background(), ticker, r)
	if f.watcher.consecutiveErrs != 0 || f.metrics.stale {
		t.Fatal("recovery should reset backoff and staleness")
	}
}

func TestWatcher_BackoffCapped(t *testing.T) {
	w := NewWatcher(WatcherOptions{Store: NewStore(nil), PollInterval: time.Minute})
	w.consecutiveErrs = 20
	if got := w.backoffDuration(); got != maxBackoff {
		t.Fatalf("backoff = %v, want %v", got, maxBackoff)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	f := newWatcherFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.watcher.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
