// Package rates поддерживает актуальные курсы валютных пар с учётом спреда.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/metrics"
	"github.com/mmeshcher/exchanger/internal/model"
)

// PriceSource описывает внешний источник рыночных цен.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// SnapshotStore хранит долговременные снимки курсов.
type SnapshotStore interface {
	SaveRateSnapshot(ctx context.Context, snap *model.RateSnapshot) error
	LatestRateSnapshot(ctx context.Context, pair string) (*model.RateSnapshot, error)
	LatestRateSnapshots(ctx context.Context) ([]model.RateSnapshot, error)
}

// FastCache описывает быстрый кэш курсов с ограниченным временем жизни.
type FastCache interface {
	GetRate(ctx context.Context, pair string) (*model.RateSnapshot, error)
	SetRate(ctx context.Context, snap *model.RateSnapshot, ttl time.Duration) error
}

// Config задаёт набор пар и параметры обновления.
type Config struct {
	Pairs         []string
	SpreadPercent decimal.Decimal
	Interval      time.Duration
	TTL           time.Duration
}

// Cache обновляет курсы по расписанию и отдаёт их читателям.
// Единственный писатель курсов в кэш и снимки.
type Cache struct {
	source PriceSource
	store  SnapshotStore
	fast   FastCache
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New создаёт кэш курсов.
func New(source PriceSource, store SnapshotStore, fast FastCache, cfg Config, logger *zap.Logger) *Cache {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 120 * time.Second
	}
	return &Cache{
		source: source,
		store:  store,
		fast:   fast,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// PairKey строит ключ пары вида FROM/TO.
func PairKey(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}

func splitPair(pair string) (string, string, bool) {
	base, quote, ok := strings.Cut(pair, "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return strings.ToUpper(base), strings.ToUpper(quote), true
}

// EffectiveRate применяет спред к рыночному курсу: rate * (1 - spread/100).
func EffectiveRate(rate, spreadPercent decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	return rate.Mul(decimal.NewFromInt(1).Sub(spreadPercent.Div(hundred)))
}

// Start выполняет первое обновление и запускает периодическое обновление до Stop или отмены ctx.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.Refresh(ctx)

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Stop останавливает периодическое обновление и дожидается его завершения.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Refresh обновляет все настроенные пары. Ошибки логируются и не пробрасываются:
// до успешного обновления актуальным остаётся предыдущее значение.
func (c *Cache) Refresh(ctx context.Context) {
	for _, pair := range c.cfg.Pairs {
		if err := c.refreshPair(ctx, pair); err != nil {
			metrics.RateRefreshes.WithLabelValues(pair, "error").Inc()
			c.logger.Warn("rate refresh failed", zap.String("pair", pair), zap.Error(err))
			continue
		}
		metrics.RateRefreshes.WithLabelValues(pair, "ok").Inc()
	}
}

func (c *Cache) refreshPair(ctx context.Context, pair string) error {
	base, quote, ok := splitPair(pair)
	if !ok {
		return fmt.Errorf("malformed pair %q", pair)
	}

	price, err := c.source.FetchPrice(ctx, base, quote)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}

	fetchedAt := c.now().UTC()
	direct := c.snapshot(PairKey(base, quote), price, fetchedAt)
	inverse := c.snapshot(PairKey(quote, base), decimal.NewFromInt(1).Div(price), fetchedAt)

	for _, snap := range []*model.RateSnapshot{direct, inverse} {
		if err := c.store.SaveRateSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("save snapshot %s: %w", snap.Pair, err)
		}
		if err := c.fast.SetRate(ctx, snap, c.cfg.TTL); err != nil {
			// Снимок уже сохранён, читатели получат его через резервный путь.
			c.logger.Warn("rate cache write failed", zap.String("pair", snap.Pair), zap.Error(err))
		}
	}

	return nil
}

func (c *Cache) snapshot(pair string, rate decimal.Decimal, fetchedAt time.Time) *model.RateSnapshot {
	return &model.RateSnapshot{
		ID:            uuid.New(),
		Pair:          pair,
		Rate:          rate,
		SpreadPercent: c.cfg.SpreadPercent,
		EffectiveRate: EffectiveRate(rate, c.cfg.SpreadPercent),
		Source:        c.source.Name(),
		FetchedAt:     fetchedAt,
	}
}

// GetRate возвращает курс пары из кэша, а при его отсутствии последний снимок.
func (c *Cache) GetRate(ctx context.Context, from, to string) (*model.RateSnapshot, error) {
	pair := PairKey(from, to)

	snap, err := c.fast.GetRate(ctx, pair)
	if err != nil {
		c.logger.Warn("rate cache read failed", zap.String("pair", pair), zap.Error(err))
	}
	if snap != nil {
		return snap, nil
	}

	snap, err = c.store.LatestRateSnapshot(ctx, pair)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: no rate for %s", model.ErrUpstreamUnavailable, pair)
		}
		return nil, fmt.Errorf("latest snapshot %s: %w", pair, err)
	}
	return snap, nil
}

// GetAllRates возвращает все известные пары. Для каждой пары запись целиком берётся
// из кэша, если она там есть, иначе из последнего снимка.
func (c *Cache) GetAllRates(ctx context.Context) ([]model.RateSnapshot, error) {
	snapshots, err := c.store.LatestRateSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}

	byPair := make(map[string]model.RateSnapshot, len(snapshots))
	for _, s := range snapshots {
		byPair[s.Pair] = s
	}
	for _, pair := range c.knownPairs() {
		if _, ok := byPair[pair]; !ok {
			byPair[pair] = model.RateSnapshot{}
		}
	}

	res := make([]model.RateSnapshot, 0, len(byPair))
	for pair, fallback := range byPair {
		cached, err := c.fast.GetRate(ctx, pair)
		if err != nil {
			c.logger.Warn("rate cache read failed", zap.String("pair", pair), zap.Error(err))
		}
		switch {
		case cached != nil:
			res = append(res, *cached)
		case fallback.Pair != "":
			res = append(res, fallback)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Pair < res[j].Pair })
	return res, nil
}

func (c *Cache) knownPairs() []string {
	res := make([]string, 0, len(c.cfg.Pairs)*2)
	for _, p := range c.cfg.Pairs {
		base, quote, ok := splitPair(p)
		if !ok {
			continue
		}
		res = append(res, PairKey(base, quote), PairKey(quote, base))
	}
	return res
}
