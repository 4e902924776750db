package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
)

// Repository loads the rows a report replays. Every method filters on sale date.
type Repository interface {
	SalesInPeriod(ctx context.Context, period Period) ([]sales.Sale, error)
	ItemsInPeriod(ctx context.Context, period Period) ([]sales.SaleLineItem, error)
	ConsumptionsInPeriod(ctx context.Context, period Period) ([]ledger.LotConsumption, error)
	LotsInPeriod(ctx context.Context, period Period) ([]ledger.InventoryLot, error)
}

// Service renders margin reports with cache-aware lookups.
type Service struct {
	repo   Repository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewService wires a Repository with a Cache helper. cache may be nil.
func NewService(repo Repository, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// MarginByProduct attributes revenue, cost and profit to products.
func (s *Service) MarginByProduct(ctx context.Context, period Period) (Report, error) {
	return s.Report(ctx, ByProduct, period)
}

// MarginByCustomer attributes revenue, cost and profit to customers.
func (s *Service) MarginByCustomer(ctx context.Context, period Period) (Report, error) {
	return s.Report(ctx, ByCustomer, period)
}

// MarginByPurchaseOrder traces revenue and COGS back to the purchase orders whose lots were consumed.
func (s *Service) MarginByPurchaseOrder(ctx context.Context, period Period) (Report, error) {
	return s.Report(ctx, ByPurchaseOrder, period)
}

// Report renders one dimension. Identical concurrent requests share a single load.
func (s *Service) Report(ctx context.Context, dim Dimension, period Period) (Report, error) {
	if !dim.Valid() {
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	if err := period.Validate(); err != nil {
		return Report{}, err
	}
	key, err := s.cache.BuildKey(ctx, "attribution", string(dim),
		period.From.UTC().Format(time.RFC3339), period.To.UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("attribution: cache unavailable", slog.Any("error", err))
		return s.build(ctx, dim, period)
	}

	ch := s.group.DoChan(key, func() (any, error) {
		var report Report
		err := s.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (any, error) {
			return s.build(ctx, dim, period)
		})
		return report, err
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	}
}

func (s *Service) build(ctx context.Context, dim Dimension, period Period) (Report, error) {
	ds, err := s.load(ctx, period)
	if err != nil {
		return Report{}, err
	}
	return Build(dim, period, ds)
}

func (s *Service) load(ctx context.Context, period Period) (Dataset, error) {
	var ds Dataset
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ds.Sales, err = s.repo.SalesInPeriod(ctx, period)
		return err
	})
	g.Go(func() error {
		var err error
		ds.Items, err = s.repo.ItemsInPeriod(ctx, period)
		return err
	})
	g.Go(func() error {
		var err error
		ds.Consumptions, err = s.repo.ConsumptionsInPeriod(ctx, period)
		return err
	})
	g.Go(func() error {
		var err error
		ds.Lots, err = s.repo.LotsInPeriod(ctx, period)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dataset{}, fmt.Errorf("attribution: load dataset: %w", err)
	}
	return ds, nil
}
