package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/cache"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/probes"
	"github.com/vigilmon/vigil/internal/store"
)

type fakeProber struct {
	mu      sync.Mutex
	success bool
	message string
	runs    int
	active  int
	overlap bool
	delay   time.Duration
}

func (f *fakeProber) Run(ctx context.Context, item *models.MonitorItem) probes.Result {
	f.mu.Lock()
	f.runs++
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	success, message, delay := f.success, f.message, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	rt := 10.0
	return probes.Result{Success: success, ResponseTimeMS: &rt, Message: message}
}

func (f *fakeProber) set(success bool, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = success
	f.message = message
}

func (f *fakeProber) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// fakeNotifier records transitions and mirrors the real orchestrator's
// counter bookkeeping so streak assertions see what dispatchers would.
type fakeNotifier struct {
	mu         sync.Mutex
	registry   *alerts.Registry
	errors     []string
	recoveries []string
}

func (f *fakeNotifier) NotifyError(_ context.Context, item *models.MonitorItem, message string) {
	f.registry.Get(item.ID).IncrementConsecutiveErrors()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
}

func (f *fakeNotifier) NotifyRecovery(_ context.Context, item *models.MonitorItem, message string, _ *float64) {
	f.registry.Get(item.ID).ResetConsecutiveErrors()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, message)
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errors), len(f.recoveries)
}

type fixture struct {
	store    *store.Store
	cache    *cache.Cache
	prober   *fakeProber
	notifier *fakeNotifier
	sched    *Scheduler
}

func newFixture(t *testing.T, chunk, chunkSize int) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))

	c := cache.New(s, 0)
	p := &fakeProber{success: true, message: "status 200"}
	reg := alerts.NewRegistry(5, 5*time.Minute)
	n := &fakeNotifier{registry: reg}
	cfg := &config.Config{MaxConcurrentChecks: 10}

	sched := New(cfg, c, s, p, n, reg, chunk, chunkSize)
	sched.tick = 100 * time.Millisecond
	return &fixture{store: s, cache: c, prober: p, notifier: n, sched: sched}
}

func (f *fixture) seed(t *testing.T, name string, enable, intervalSeconds int) int64 {
	t.Helper()
	res, err := f.store.DB().Exec(`INSERT INTO monitor_items (name, enable, url_check, type, check_interval_seconds, user_id)
		VALUES (?, ?, 'https://example.com', 'ping_web', ?, 7)`, name, enable, intervalSeconds)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	require.NoError(t, f.cache.Refresh(context.Background()))
	return id
}

func (f *fixture) run(t *testing.T) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cache.Start(ctx)
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not drain")
		}
	})
	return cancel, done
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestProbePersistNotifySequence(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.prober.set(false, "connection refused")
	id := f.seed(t, "api", 1, 1)
	f.run(t)

	waitFor(t, 5*time.Second, func() bool {
		e, _ := f.notifier.counts()
		return e >= 1
	}, "error notification")

	item, err := f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item.LastCheckStatus)
	assert.Equal(t, models.StatusFail, *item.LastCheckStatus)
	assert.GreaterOrEqual(t, item.CountOffline, int64(1))
	assert.Equal(t, "connection refused", item.ResultError)

	// Flip to success; the next probe announces recovery.
	f.prober.set(true, "status 200")
	waitFor(t, 5*time.Second, func() bool {
		_, r := f.notifier.counts()
		return r >= 1
	}, "recovery notification")

	item, err = f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, *item.LastCheckStatus)
	assert.GreaterOrEqual(t, item.CountOnline, int64(1))
}

func TestNoNotificationOnHealthySteadyState(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.seed(t, "healthy", 1, 1)
	f.run(t)

	waitFor(t, 5*time.Second, func() bool { return f.prober.runCount() >= 2 }, "two probes")
	e, r := f.notifier.counts()
	assert.Zero(t, e)
	assert.Zero(t, r)
}

func TestProbesNeverOverlapPerItem(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.prober.delay = 150 * time.Millisecond
	f.seed(t, "slow", 1, 1)
	f.run(t)

	waitFor(t, 8*time.Second, func() bool { return f.prober.runCount() >= 3 }, "three probes")
	f.prober.mu.Lock()
	overlap := f.prober.overlap
	f.prober.mu.Unlock()
	assert.False(t, overlap, "probes for one item must be strictly sequential")
}

func TestDisabledItemStopsLoop(t *testing.T) {
	f := newFixture(t, 1, 0)
	id := f.seed(t, "flappy", 1, 1)
	f.run(t)

	waitFor(t, 5*time.Second, func() bool { return f.sched.RunningCount() == 1 }, "loop started")

	_, err := f.store.DB().Exec(`UPDATE monitor_items SET enable = 0 WHERE id = ?`, id)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return f.sched.RunningCount() == 0 }, "loop stopped")
}

func TestConfigChangeRestartsLoopWithFreshState(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.prober.set(false, "down")
	id := f.seed(t, "edited", 1, 1)
	f.run(t)

	waitFor(t, 5*time.Second, func() bool {
		return f.sched.registry.Get(id).ConsecutiveErrors() >= 1
	}, "alert state populated")

	_, err := f.store.DB().Exec(`UPDATE monitor_items SET url_check = 'https://changed.example.com' WHERE id = ?`, id)
	require.NoError(t, err)

	// The loop notices the edit, terminates, and restarts against the new
	// config with disposed alert state.
	waitFor(t, 10*time.Second, func() bool {
		f.sched.mu.Lock()
		l, ok := f.sched.running[id]
		f.sched.mu.Unlock()
		return ok && l.item.URLCheck == "https://changed.example.com"
	}, "loop restarted with new config")
}

func TestFailingStreakSurvivesOwnResultWrites(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.prober.set(false, "connection refused")
	id := f.seed(t, "flaky", 1, 1)
	f.run(t)

	// Every failing probe persists result_error, and the cache serves
	// that write back up to a refresh interval late. The loop must not
	// take its own write for an operator edit: a restart would dispose
	// the alert state and the streak could never pass 1.
	waitFor(t, 8*time.Second, func() bool {
		return f.sched.registry.Get(id).ConsecutiveErrors() >= 3
	}, "consecutive error streak builds across probes")
}

func TestKeywordEditRestartsContentLoop(t *testing.T) {
	f := newFixture(t, 1, 0)
	res, err := f.store.DB().Exec(`INSERT INTO monitor_items (name, enable, url_check, type, check_interval_seconds, user_id, result_valid)
		VALUES ('landing', 1, 'https://example.com', 'web_content', 1, 7, 'Welcome')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	require.NoError(t, f.cache.Refresh(context.Background()))
	f.run(t)

	waitFor(t, 5*time.Second, func() bool { return f.prober.runCount() >= 1 }, "first probe")

	// Content monitors never write the result columns themselves, so an
	// edited keyword set is an operator change and restarts the loop.
	_, err = f.store.DB().Exec(`UPDATE monitor_items SET result_valid = 'Checkout' WHERE id = ?`, id)
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		f.sched.mu.Lock()
		l, ok := f.sched.running[id]
		f.sched.mu.Unlock()
		return ok && l.item.ResultValid == "Checkout"
	}, "keyword edit restarts the loop")
}

func TestLoopDoesNotMutateSnapshotItem(t *testing.T) {
	f := newFixture(t, 1, 0)
	id := f.seed(t, "restarted", 1, 1)
	_, err := f.store.DB().Exec(`UPDATE monitor_items SET forceRestart = 1 WHERE id = ?`, id)
	require.NoError(t, err)
	require.NoError(t, f.cache.Refresh(context.Background()))

	orig := f.cache.Snapshot()[id]
	require.True(t, orig.ForceRestart)

	f.run(t)
	waitFor(t, 5*time.Second, func() bool { return f.prober.runCount() >= 1 }, "first probe")

	// The loop consumes the restart pulse on its own copy; rows handed
	// out by the snapshot are read-only for everyone.
	assert.True(t, orig.ForceRestart)
}

func TestPausedItemSkipsProbing(t *testing.T) {
	f := newFixture(t, 1, 0)
	id := f.seed(t, "paused", 1, 1)
	_, err := f.store.DB().Exec(`UPDATE monitor_items SET stopTo = ? WHERE id = ?`,
		time.Now().Add(time.Hour).UTC(), id)
	require.NoError(t, err)
	require.NoError(t, f.cache.Refresh(context.Background()))
	f.run(t)

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, f.prober.runCount(), "paused items are never probed")
}

func TestChunkSelection(t *testing.T) {
	f := newFixture(t, 2, 2)
	for i := 0; i < 5; i++ {
		f.seed(t, "bulk", 1, 60)
	}

	selected := f.sched.selectItems()
	assert.Len(t, selected, 2, "chunk 2 of size 2 holds items [2,4)")

	all := f.cache.EnabledItems()
	_, ok := selected[all[2].ID]
	assert.True(t, ok)
	_, ok = selected[all[3].ID]
	assert.True(t, ok)
}

func TestChunkBeyondEndIsEmpty(t *testing.T) {
	f := newFixture(t, 9, 10)
	f.seed(t, "only", 1, 60)
	assert.Empty(t, f.sched.selectItems())
}

func TestNextDue(t *testing.T) {
	now := time.Now()

	next := nextDue(now, time.Minute, now)
	assert.Equal(t, now.Add(time.Minute), next)

	// A loop that fell behind snaps to now instead of replaying.
	behind := now.Add(-10 * time.Minute)
	assert.Equal(t, now, nextDue(behind, time.Minute, now))
}
