package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type stubDuty struct {
	calls []CostRecomputePayload
	err   error
}

func (s *stubDuty) ApplyDeferredDuty(_ context.Context, id int64, duty decimal.Decimal) (costing.Correction, error) {
	s.calls = append(s.calls, CostRecomputePayload{PurchaseOrderID: id, Duty: duty})
	if s.err != nil {
		return costing.Correction{}, s.err
	}
	return costing.Correction{PurchaseOrderID: id, LotsUpdated: 2, SalesFlagged: 1}, nil
}

type stubChecker struct {
	violations []ledger.Violation
	err        error
}

func (s stubChecker) CheckIntegrity(context.Context) ([]ledger.Violation, error) {
	return s.violations, s.err
}

type stubScanner struct {
	summary sales.PendingCogsSummary
}

func (s stubScanner) ScanPendingCogs(context.Context) (sales.PendingCogsSummary, error) {
	return s.summary, nil
}

type stubCleaner struct {
	module    string
	olderThan time.Duration
}

func (s *stubCleaner) Cleanup(_ context.Context, module string, olderThan time.Duration) (int64, error) {
	s.module, s.olderThan = module, olderThan
	return 3, nil
}

func testMetrics(t *testing.T) (*jobmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(reg), reg
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestCostRecomputeTaskRoundTrip(t *testing.T) {
	task, err := NewCostRecomputeTask(42, decimal.RequireFromString("15.50"))
	require.NoError(t, err)
	require.Equal(t, TaskCostRecompute, task.Type())

	svc := &stubDuty{}
	metrics, _ := testMetrics(t)
	require.NoError(t, NewCostRecomputeJob(svc, nil, metrics).Handle(context.Background(), task))
	require.Len(t, svc.calls, 1)
	assert.Equal(t, int64(42), svc.calls[0].PurchaseOrderID)
	assert.True(t, svc.calls[0].Duty.Equal(decimal.RequireFromString("15.5")))
}

func TestCostRecomputeSkipsRetryOnPermanentErrors(t *testing.T) {
	metrics, _ := testMetrics(t)

	bad := asynq.NewTask(TaskCostRecompute, []byte("{"))
	err := NewCostRecomputeJob(&stubDuty{}, nil, metrics).Handle(context.Background(), bad)
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewCostRecomputeTask(7, decimal.NewFromInt(1))
	require.NoError(t, err)
	missing := &stubDuty{err: fmt.Errorf("%w: purchase order 7", shared.ErrNotFound)}
	err = NewCostRecomputeJob(missing, nil, metrics).Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, shared.ErrNotFound)

	transient := &stubDuty{err: errors.New("connection reset")}
	err = NewCostRecomputeJob(transient, nil, metrics).Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestLedgerIntegrityCountsViolations(t *testing.T) {
	metrics, reg := testMetrics(t)
	checker := stubChecker{violations: []ledger.Violation{
		{LotID: 1, VariantID: 9, Reason: "consumed 5 exceeds received 4"},
		{LotID: 2, VariantID: 9, Reason: "remaining exceeds received"},
	}}
	task, err := NewLedgerIntegrityTask(time.Now())
	require.NoError(t, err)

	require.NoError(t, NewLedgerIntegrityJob(checker, nil, metrics).Handle(context.Background(), task))
	assert.Equal(t, 2.0, metricValue(t, reg, "odyssey_ledger_integrity_violations_total"))
}

func TestLedgerIntegrityReportsScanFailure(t *testing.T) {
	metrics, reg := testMetrics(t)
	job := NewLedgerIntegrityJob(stubChecker{err: errors.New("db down")}, nil, metrics)

	require.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, nil)))
	assert.Equal(t, 1.0, metricValue(t, reg, "odyssey_jobs_failures_total"))
}

func TestPendingCogsSetsReconcilableGauge(t *testing.T) {
	metrics, reg := testMetrics(t)
	scanner := stubScanner{summary: sales.PendingCogsSummary{Pending: 4, Reconcilable: []int64{3, 8}}}

	require.NoError(t, NewPendingCogsJob(scanner, nil, metrics).Handle(context.Background(), asynq.NewTask(TaskSalesPendingCogs, nil)))
	assert.Equal(t, 2.0, metricValue(t, reg, "odyssey_sales_cogs_reconcilable"))
}

func TestIdempotencyCleanupScopesModule(t *testing.T) {
	task, err := NewIdempotencyCleanupTask(sales.IdempotencyModule, 72*time.Hour)
	require.NoError(t, err)

	store := &stubCleaner{}
	metrics, _ := testMetrics(t)
	require.NoError(t, NewIdempotencyCleanupJob(store, nil, metrics).Handle(context.Background(), task))
	assert.Equal(t, sales.IdempotencyModule, store.module)
	assert.Equal(t, 72*time.Hour, store.olderThan)

	body, err := json.Marshal(IdempotencyCleanupPayload{})
	require.NoError(t, err)
	err = NewIdempotencyCleanupJob(store, nil, metrics).Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, body))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"retry":0}`, rr.Body.String())
}
