package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-credit/internal/creditnote"
	jobmetrics "github.com/odyssey-erp/odyssey-credit/internal/jobs"
	"github.com/odyssey-erp/odyssey-credit/internal/money"
)

// OverIssueFinder lists invoices credited above their total.
type OverIssueFinder interface {
	FindOverIssued(ctx context.Context) ([]creditnote.OverIssue, error)
}

// OverIssueScanJob reports invoices whose active credit notes exceed the
// invoice total. Issuing holds the invoice lock, so any hit points at data
// written outside the service.
type OverIssueScanJob struct {
	Finder  OverIssueFinder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOverIssueScanJob initialises the scan handler.
func NewOverIssueScanJob(finder OverIssueFinder, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverIssueScanJob {
	return &OverIssueScanJob{Finder: finder, Logger: logger, Metrics: metrics}
}

// Handle executes the scan.
func (j *OverIssueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Finder == nil {
		return errors.New("overissue scan: handler not configured")
	}
	var payload OverIssueScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run performs one scan and returns the offending invoices.
func (j *OverIssueScanJob) Run(ctx context.Context, payload OverIssueScanPayload) (found []creditnote.OverIssue, err error) {
	tracker := j.Metrics.Track(TaskOverIssueScan)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("job", TaskOverIssueScan))
	if payload.Source != "" {
		logger = logger.With(slog.String("source", payload.Source))
	}
	logger.Info("starting over-issue scan")

	found, err = j.Finder.FindOverIssued(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return nil, err
	}
	for _, item := range found {
		logger.Warn("invoice credited above its total",
			slog.String("tenant", item.TenantID.String()),
			slog.Int64("invoice_id", item.InvoiceID),
			slog.String("invoice_number", item.Number),
			slog.String("total", item.Total.StringFixed(money.Scale)),
			slog.String("issued", item.Issued.StringFixed(money.Scale)))
	}
	j.Metrics.SetOverIssued(len(found))
	logger.Info("over-issue scan completed", slog.Int("over_issued", len(found)))
	return found, nil
}

func (j *OverIssueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
