package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricewatch/internal/alert"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/extract"
	"pricewatch/internal/storage"
	"pricewatch/internal/task/engine"
	logx "pricewatch/pkg/logx"
)

func ptr(v float64) *float64 { return &v }

func TestShouldAlert(t *testing.T) {
	cases := []struct {
		name   string
		old    *float64
		new    float64
		target *float64
		want   bool
	}{
		{"no previous price", nil, 10, ptr(10), false},
		{"drop below target", ptr(20), 15, ptr(18), true},
		{"drop above target", ptr(20), 19, ptr(18), false},
		{"no target", ptr(20), 15, nil, false},
		{"equal to target", ptr(20), 18, ptr(18), true},
		{"unchanged at target", ptr(18), 18, ptr(18), false},
		{"rise", ptr(10), 12, ptr(20), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldAlert(tc.old, tc.new, tc.target))
		})
	}
}

// fakeExtractor serves canned facts per URL. A hook set with before runs
// at the start of each fetch of its URL.
type fakeExtractor struct {
	mu    sync.Mutex
	facts map[string]extract.ProductFacts
	errs  map[string]error
	hooks map[string]func()
	calls atomic.Int32
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{facts: map[string]extract.ProductFacts{}, errs: map[string]error{}, hooks: map[string]func(){}}
}

func (f *fakeExtractor) before(url string, hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[url] = hook
}

func (f *fakeExtractor) set(url string, price *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[url] = extract.ProductFacts{Name: "x", Price: price}
}

func (f *fakeExtractor) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeExtractor) Extract(_ context.Context, url string) (extract.ProductFacts, error) {
	f.calls.Add(1)
	f.mu.Lock()
	hook := f.hooks[url]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return extract.ProductFacts{}, err
	}
	return f.facts[url], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (r *recordingNotifier) Send(_ context.Context, a alert.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return true
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	store  *storage.Memory
	ex     *fakeExtractor
	notify *recordingNotifier
	eng    *engine.Service
	c      *Checker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemory(),
		ex:     newFakeExtractor(),
		notify: &recordingNotifier{},
	}
	f.eng = engine.New(engine.Config{Workers: 4, DefaultTimeout: 5 * time.Second, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour}, nil, logx.Nop(), nil)
	f.c = NewChecker(Config{}, f.store, f.ex, f.notify, f.eng, logx.Nop(), nil)
	return f
}

func (f *fixture) item(t *testing.T, url string, target *float64, owner bool) storage.Item {
	t.Helper()
	ni := storage.NewItem{URL: url, Name: "item " + url, TargetPrice: target}
	if owner {
		uid, err := f.store.CreateUser(context.Background(), "buyer@example.com", 0)
		require.NoError(t, err)
		ni.UserID = &uid
	}
	it, err := f.store.CreateItem(context.Background(), ni)
	require.NoError(t, err)
	return it
}

func (f *fixture) reload(t *testing.T, id int64) storage.Item {
	t.Helper()
	it, err := f.store.Item(context.Background(), id)
	require.NoError(t, err)
	return it
}

func TestCheckRecordsLatestPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", nil, false)

	for _, p := range []float64{30, 25, 27} {
		f.ex.set("https://a", ptr(p))
		res, err := f.c.Check(ctx, f.reload(t, it.ID))
		require.NoError(t, err)
		assert.True(t, res.Recorded)
	}

	got := f.reload(t, it.ID)
	obs, err := f.store.Observations(ctx, it.ID, 10)
	require.NoError(t, err)
	require.Len(t, obs, 3)
	require.NotNil(t, got.CurrentPrice)
	assert.Equal(t, obs[0].Price, *got.CurrentPrice)
	assert.Equal(t, 27.0, *got.CurrentPrice)
}

func TestCheckWithoutPriceChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", nil, false)
	_, err := f.store.AppendObservation(ctx, it.ID, 12, time.Now())
	require.NoError(t, err)

	f.ex.set("https://a", nil)
	res, err := f.c.Check(ctx, f.reload(t, it.ID))
	require.NoError(t, err)
	assert.False(t, res.Recorded)

	got := f.reload(t, it.ID)
	assert.Equal(t, 12.0, *got.CurrentPrice)
	obs, _ := f.store.Observations(ctx, it.ID, 10)
	assert.Len(t, obs, 1)
}

func TestCheckFetchFailureLeavesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", nil, false)
	f.ex.fail("https://a", fmt.Errorf("%w: connection refused", extract.ErrFetch))

	_, err := f.c.Check(ctx, it)
	require.ErrorIs(t, err, extract.ErrFetch)
	assert.Nil(t, f.reload(t, it.ID).CurrentPrice)
}

func TestCheckPersistFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", ptr(100), true)
	_, err := f.store.AppendObservation(ctx, it.ID, 50, time.Now())
	require.NoError(t, err)

	f.store.FailRecordPrice(it.ID, errors.New("disk full"))
	f.ex.set("https://a", ptr(10))
	_, err = f.c.Check(ctx, f.reload(t, it.ID))
	require.ErrorIs(t, err, ErrPersist)

	assert.Equal(t, 50.0, *f.reload(t, it.ID).CurrentPrice)
	assert.Zero(t, f.notify.count())
}

func TestCheckAlertsOnDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", ptr(18), true)
	_, err := f.store.AppendObservation(ctx, it.ID, 20, time.Now())
	require.NoError(t, err)

	f.ex.set("https://a", ptr(15))
	res, err := f.c.Check(ctx, f.reload(t, it.ID))
	require.NoError(t, err)
	assert.True(t, res.Alerted)
	require.Equal(t, 1, f.notify.count())

	a := f.notify.sent[0]
	assert.Equal(t, "buyer@example.com", a.Recipient.Email)
	assert.Equal(t, 20.0, a.OldPrice)
	assert.Equal(t, 15.0, a.NewPrice)
	assert.Equal(t, "https://a", a.ItemURL)
}

func TestCheckSkipsAlertWithoutRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", ptr(18), false)
	_, err := f.store.AppendObservation(ctx, it.ID, 20, time.Now())
	require.NoError(t, err)

	f.ex.set("https://a", ptr(15))
	res, err := f.c.Check(ctx, f.reload(t, it.ID))
	require.NoError(t, err)
	assert.True(t, res.Recorded)
	assert.False(t, res.Alerted)
	assert.Zero(t, f.notify.count())
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	f.c.bus = bus

	var ids []int64
	for i := 1; i <= 5; i++ {
		url := fmt.Sprintf("https://shop/%d", i)
		it := f.item(t, url, nil, false)
		ids = append(ids, it.ID)
		f.ex.set(url, ptr(float64(i*10)))
	}
	f.ex.fail("https://shop/3", fmt.Errorf("%w: timeout", extract.ErrFetch))

	var rep SweepReport
	require.NotPanics(t, func() { rep = f.c.Sweep(ctx) })

	assert.NoError(t, rep.Err)
	assert.Equal(t, 5, rep.Checked)
	assert.Equal(t, 4, rep.Updated)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Skipped)

	for i, id := range ids {
		got := f.reload(t, id)
		if i == 2 {
			assert.Nil(t, got.CurrentPrice)
			continue
		}
		require.NotNil(t, got.CurrentPrice)
		assert.Equal(t, float64((i+1)*10), *got.CurrentPrice)
	}

	var sawSweep bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.SweepFinished {
			sawSweep = true
		}
	}
	assert.True(t, sawSweep)
}

type panicExtractor struct{ *fakeExtractor }

func (p panicExtractor) Extract(ctx context.Context, url string) (extract.ProductFacts, error) {
	if url == "https://boom" {
		panic("adapter bug")
	}
	return p.fakeExtractor.Extract(ctx, url)
}

func TestSweepRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.c.ex = panicExtractor{f.ex}
	f.item(t, "https://boom", nil, false)
	ok := f.item(t, "https://fine", nil, false)
	f.ex.set("https://fine", ptr(5))

	rep := f.c.Sweep(context.Background())
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 5.0, *f.reload(t, ok.ID).CurrentPrice)
}

func TestSweepSkipsItemsInCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.item(t, "https://dead", nil, false)
	f.ex.fail("https://dead", fmt.Errorf("%w: 404", extract.ErrFetch))

	assert.Equal(t, 1, f.c.Sweep(ctx).Failed)
	assert.Equal(t, 1, f.c.Sweep(ctx).Failed)
	calls := f.ex.calls.Load()

	rep := f.c.Sweep(ctx)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Checked)
	assert.Equal(t, calls, f.ex.calls.Load())
}

type failingList struct{ *storage.Memory }

func (failingList) ActiveItems(context.Context) ([]storage.Item, error) {
	return nil, errors.New("db down")
}

func TestSweepListingFailureSkipsTick(t *testing.T) {
	f := newFixture(t)
	f.c.store = failingList{f.store}
	rep := f.c.Sweep(context.Background())
	assert.Error(t, rep.Err)
	assert.Zero(t, rep.Checked)
	assert.Error(t, f.c.SweepJob(context.Background()))
}

func TestCheckNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", nil, false)

	_, err := f.c.CheckNow(ctx, 999)
	require.ErrorIs(t, err, storage.ErrNotFound)

	f.ex.set("https://a", ptr(42))
	res, err := f.c.CheckNow(ctx, it.ID)
	require.NoError(t, err)
	require.NotNil(t, res.CurrentPrice)
	assert.Equal(t, 42.0, *res.CurrentPrice)

	// A failed fetch still reports the last persisted price.
	f.ex.fail("https://a", extract.ErrFetch)
	res, err = f.c.CheckNow(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 42.0, *res.CurrentPrice)
}

func TestCheckNowIgnoresCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", nil, false)
	f.ex.fail("https://a", extract.ErrFetch)
	f.c.Sweep(ctx)
	f.c.Sweep(ctx)
	open, _ := f.eng.Breaker().Open(ctx, itemKey(it.ID), time.Now())
	require.True(t, open)

	f.ex.fail("https://a", nil)
	f.ex.set("https://a", ptr(9))
	res, err := f.c.CheckNow(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 9.0, *res.CurrentPrice)

	open, _ = f.eng.Breaker().Open(ctx, itemKey(it.ID), time.Now())
	assert.False(t, open)
}

// serialFixture runs sweeps one item at a time so a fetch hook on the
// first item runs before the second item's check starts.
func serialFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.eng = engine.New(engine.Config{Workers: 1, DefaultTimeout: 5 * time.Second, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour}, nil, logx.Nop(), nil)
	f.c.eng = f.eng
	return f
}

func TestSweepUsesPriceRecordedByCheckNow(t *testing.T) {
	f := serialFixture(t)
	ctx := context.Background()
	f.item(t, "https://shop/a", nil, false)
	f.ex.set("https://shop/a", ptr(10))
	b := f.item(t, "https://shop/b", ptr(85), true)
	_, err := f.store.AppendObservation(ctx, b.ID, 100, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	f.ex.set("https://shop/b", ptr(80))

	f.ex.before("https://shop/a", func() {
		_, err := f.c.CheckNow(ctx, b.ID)
		assert.NoError(t, err)
	})

	rep := f.c.Sweep(ctx)
	assert.Equal(t, 1, f.notify.count())
	assert.Zero(t, rep.Alerted)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 80.0, *f.reload(t, b.ID).CurrentPrice)
}

func TestSweepSkipsItemUntrackedMidSweep(t *testing.T) {
	f := serialFixture(t)
	ctx := context.Background()
	f.item(t, "https://shop/a", nil, false)
	f.ex.set("https://shop/a", ptr(10))
	b := f.item(t, "https://shop/b", ptr(85), true)
	_, err := f.store.AppendObservation(ctx, b.ID, 100, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	f.ex.set("https://shop/b", ptr(80))

	f.ex.before("https://shop/a", func() {
		assert.NoError(t, f.c.Untrack(ctx, b.ID))
	})

	rep := f.c.Sweep(ctx)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, f.notify.count())

	obs, err := f.store.Observations(ctx, b.ID, 10)
	require.NoError(t, err)
	assert.Len(t, obs, 1)
	assert.Equal(t, 100.0, *f.reload(t, b.ID).CurrentPrice)
}

func TestCheckNowRejectsUntrackedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, "https://a", nil, false)
	f.ex.set("https://a", ptr(5))

	require.NoError(t, f.c.Untrack(ctx, it.ID))
	_, err := f.c.CheckNow(ctx, it.ID)
	assert.ErrorIs(t, err, ErrInactive)
	assert.Zero(t, f.ex.calls.Load())

	assert.ErrorIs(t, f.c.Untrack(ctx, it.ID), ErrInactive)
	assert.ErrorIs(t, f.c.Untrack(ctx, 999), storage.ErrNotFound)
}

func TestCheckNowCancelledCallerLeavesBreaker(t *testing.T) {
	f := newFixture(t)
	it := f.item(t, "https://a", nil, false)
	f.ex.fail("https://a", extract.ErrFetch)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		f.ex.before("https://a", cancel)
		_, err := f.c.CheckNow(ctx, it.ID)
		require.NoError(t, err)
	}
	open, _ := f.eng.Breaker().Open(context.Background(), itemKey(it.ID), time.Now())
	assert.False(t, open)

	f.ex.before("https://a", nil)
	f.c.CheckNow(context.Background(), it.ID)
	f.c.CheckNow(context.Background(), it.ID)
	open, _ = f.eng.Breaker().Open(context.Background(), itemKey(it.ID), time.Now())
	assert.True(t, open)
}

func TestKeyLockSerializesPerItem(t *testing.T) {
	k := newKeyLock()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(1)
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, k.size())
}

func TestRetentionSweep(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()

	a, err := store.CreateItem(ctx, storage.NewItem{URL: "https://a"})
	require.NoError(t, err)
	_, err = store.AppendObservation(ctx, a.ID, 10, now.Add(-31*24*time.Hour))
	require.NoError(t, err)
	_, err = store.AppendObservation(ctx, a.ID, 11, now.Add(-29*24*time.Hour))
	require.NoError(t, err)

	r := NewRetentionSweeper(store, 30*24*time.Hour, logx.Nop(), nil)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	obs, err := store.Observations(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 11.0, obs[0].Price)
}

func TestTrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.mu.Lock()
	f.ex.facts["https://shop/lamp"] = extract.ProductFacts{Name: "Desk Lamp", Price: ptr(39.5), Platform: "generic"}
	f.ex.mu.Unlock()

	it, err := f.c.Track(ctx, TrackRequest{URL: "https://shop/lamp", TargetPrice: ptr(30), OwnerEmail: "me@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Desk Lamp", it.Name)
	require.NotNil(t, it.CurrentPrice)
	assert.Equal(t, 39.5, *it.CurrentPrice)

	obs, err := f.store.Observations(ctx, it.ID, 10)
	require.NoError(t, err)
	assert.Len(t, obs, 1)

	rcpt, err := f.store.Recipient(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", rcpt.Email)
}

func TestTrackRejectsBadURL(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Track(context.Background(), TrackRequest{URL: "ftp://nope"})
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Zero(t, f.ex.calls.Load())
}

func TestTrackRejectsActiveDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set("https://shop/lamp", ptr(20))

	first, err := f.c.Track(ctx, TrackRequest{URL: "https://shop/lamp"})
	require.NoError(t, err)
	_, err = f.c.Track(ctx, TrackRequest{URL: " https://shop/lamp "})
	assert.ErrorIs(t, err, ErrAlreadyTracked)

	require.NoError(t, f.c.Untrack(ctx, first.ID))
	again, err := f.c.Track(ctx, TrackRequest{URL: "https://shop/lamp"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestTrackChatOwnersStayApart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set("https://shop/1", ptr(20))
	f.ex.set("https://shop/2", ptr(30))

	a, err := f.c.Track(ctx, TrackRequest{URL: "https://shop/1", ChatID: 111})
	require.NoError(t, err)
	b, err := f.c.Track(ctx, TrackRequest{URL: "https://shop/2", ChatID: 222})
	require.NoError(t, err)

	ra, err := f.store.Recipient(ctx, a.ID)
	require.NoError(t, err)
	rb, err := f.store.Recipient(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.Recipient{TelegramChatID: 111}, ra)
	assert.Equal(t, storage.Recipient{TelegramChatID: 222}, rb)
}

func TestTrackWithoutPriceCreatesEmptyItem(t *testing.T) {
	f := newFixture(t)
	f.ex.set("https://shop/x", nil)
	it, err := f.c.Track(context.Background(), TrackRequest{URL: "https://shop/x"})
	require.NoError(t, err)
	assert.Nil(t, it.CurrentPrice)
	assert.Equal(t, "x", it.Name)
}
