package rates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/model"
)

type stubSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchPrice(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	p, ok := s.prices[PairKey(base, quote)]
	if !ok {
		return decimal.Zero, errors.New("unknown symbol")
	}
	return p, nil
}

type stubStore struct {
	mu    sync.Mutex
	snaps map[string]model.RateSnapshot
	saves int
}

func newStubStore() *stubStore {
	return &stubStore{snaps: map[string]model.RateSnapshot{}}
}

func (s *stubStore) SaveRateSnapshot(ctx context.Context, snap *model.RateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if cur, ok := s.snaps[snap.Pair]; ok && cur.FetchedAt.After(snap.FetchedAt) {
		return nil
	}
	s.snaps[snap.Pair] = *snap
	return nil
}

func (s *stubStore) LatestRateSnapshot(ctx context.Context, pair string) (*model.RateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[pair]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &snap, nil
}

func (s *stubStore) LatestRateSnapshots(ctx context.Context) ([]model.RateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.RateSnapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		res = append(res, snap)
	}
	return res, nil
}

type stubFast struct {
	mu      sync.Mutex
	entries map[string]model.RateSnapshot
	ttl     time.Duration
}

func newStubFast() *stubFast {
	return &stubFast{entries: map[string]model.RateSnapshot{}}
}

func (f *stubFast) GetRate(ctx context.Context, pair string) (*model.RateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.entries[pair]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (f *stubFast) SetRate(ctx context.Context, snap *model.RateSnapshot, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[snap.Pair] = *snap
	f.ttl = ttl
	return nil
}

func (f *stubFast) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = map[string]model.RateSnapshot{}
}

func newTestCache(src PriceSource, store SnapshotStore, fast FastCache) *Cache {
	return New(src, store, fast, Config{
		Pairs:         []string{"BTC/USD"},
		SpreadPercent: decimal.RequireFromString("0.5"),
		Interval:      time.Hour,
		TTL:           120 * time.Second,
	}, zap.NewNop())
}

func TestEffectiveRate(t *testing.T) {
	got := EffectiveRate(decimal.NewFromInt(67500), decimal.RequireFromString("0.5"))
	assert.True(t, decimal.RequireFromString("67162.5").Equal(got), got.String())

	got = EffectiveRate(decimal.NewFromInt(100), decimal.Zero)
	assert.True(t, decimal.NewFromInt(100).Equal(got), got.String())
}

func TestRefresh_WritesCacheAndSnapshots(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(67500)}}
	store := newStubStore()
	fast := newStubFast()
	c := newTestCache(src, store, fast)

	c.Refresh(context.Background())

	cached, err := fast.GetRate(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, decimal.RequireFromString("67162.5").Equal(cached.EffectiveRate))
	assert.True(t, decimal.NewFromInt(67500).Equal(cached.Rate))
	assert.Equal(t, "stub", cached.Source)
	assert.Equal(t, 120*time.Second, fast.ttl)

	inverse, err := store.LatestRateSnapshot(context.Background(), "USD/BTC")
	require.NoError(t, err)
	want := EffectiveRate(decimal.NewFromInt(1).Div(decimal.NewFromInt(67500)), decimal.RequireFromString("0.5"))
	assert.True(t, want.Equal(inverse.EffectiveRate))
	assert.Equal(t, 2, store.saves)
}

func TestGetRate_PrefersCacheThenSnapshot(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(67500)}}
	store := newStubStore()
	fast := newStubFast()
	c := newTestCache(src, store, fast)
	c.Refresh(context.Background())

	fast.entries["BTC/USD"] = model.RateSnapshot{Pair: "BTC/USD", EffectiveRate: decimal.NewFromInt(1)}

	snap, err := c.GetRate(context.Background(), "btc", "usd")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(snap.EffectiveRate))

	fast.expire()

	snap, err = c.GetRate(context.Background(), "BTC", "USD")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("67162.5").Equal(snap.EffectiveRate))
}

func TestGetRate_Unavailable(t *testing.T) {
	c := newTestCache(&stubSource{}, newStubStore(), newStubFast())

	_, err := c.GetRate(context.Background(), "BTC", "EUR")
	require.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}

func TestRefresh_FailureKeepsPreviousValue(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(67500)}}
	store := newStubStore()
	fast := newStubFast()
	c := newTestCache(src, store, fast)
	c.Refresh(context.Background())

	src.err = errors.New("upstream down")
	fast.expire()
	c.Refresh(context.Background())

	snap, err := c.GetRate(context.Background(), "BTC", "USD")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("67162.5").Equal(snap.EffectiveRate))
}

func TestGetAllRates_DoesNotMixSources(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(67500)}}
	store := newStubStore()
	fast := newStubFast()
	c := newTestCache(src, store, fast)
	c.Refresh(context.Background())

	cachedOnly := model.RateSnapshot{Pair: "BTC/USD", Rate: decimal.NewFromInt(70000), EffectiveRate: decimal.NewFromInt(69650), Source: "cache"}
	fast.expire()
	fast.entries["BTC/USD"] = cachedOnly

	all, err := c.GetAllRates(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, "BTC/USD", all[0].Pair)
	assert.Equal(t, "cache", all[0].Source)
	assert.True(t, decimal.NewFromInt(70000).Equal(all[0].Rate))

	assert.Equal(t, "USD/BTC", all[1].Pair)
	assert.Equal(t, "stub", all[1].Source)
}

func TestGetAllRates_Empty(t *testing.T) {
	c := newTestCache(&stubSource{}, newStubStore(), newStubFast())

	all, err := c.GetAllRates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStartStop(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(67500)}}
	c := newTestCache(src, newStubStore(), newStubFast())

	c.Start(context.Background())
	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls)
}
