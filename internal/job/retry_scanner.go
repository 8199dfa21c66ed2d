package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"xypay/internal/config"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// Resubmitter enqueues a processing command for a transfer.
type Resubmitter interface {
	Resubmit(ctx context.Context, transferID int64, retry bool) error
}

// RetryScanner polls for FAILED transfers with a retryable error code and
// hands them back to the processor until the retry budget runs out. It also
// re-drives PENDING transfers whose processing never ran to completion,
// e.g. because the wallet locks were busy; guard-held ones are left alone.
type RetryScanner struct {
	transfers   *repository.TransferRepository
	resubmitter Resubmitter
	metrics     *metrics.Metrics
	log         *zap.Logger
	stopCh      chan struct{}
	interval    time.Duration
	minAge      time.Duration
	maxRetries  int
	batchSize   int
	codes       []model.ErrorCode
	now         func() time.Time
}

func NewRetryScanner(transfers *repository.TransferRepository, resubmitter Resubmitter, cfg config.RetryConfig, m *metrics.Metrics, log *zap.Logger) *RetryScanner {
	return &RetryScanner{
		transfers:   transfers,
		resubmitter: resubmitter,
		metrics:     m,
		log:         log.Named("retry_scanner"),
		stopCh:      make(chan struct{}),
		interval:    cfg.Interval,
		minAge:      cfg.MinAge,
		maxRetries:  cfg.MaxRetries,
		batchSize:   cfg.BatchSize,
		codes:       RetryableCodes(cfg),
		now:         time.Now,
	}
}

// RetryableCodes parses the configured list; unknown codes are dropped.
func RetryableCodes(cfg config.RetryConfig) []model.ErrorCode {
	codes := make([]model.ErrorCode, 0, len(cfg.RetryableCodes))
	for _, c := range cfg.RetryableCodes {
		if code, err := model.ParseErrorCode(c); err == nil {
			codes = append(codes, code)
		}
	}
	return codes
}

func (j *RetryScanner) Start(ctx context.Context) {
	j.log.Info("retry scanner started", zap.Duration("interval", j.interval), zap.Duration("min_age", j.minAge))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("retry scanner stopping: context done")
			return
		case <-j.stopCh:
			j.log.Info("retry scanner stopped")
			return
		case <-ticker.C:
			j.ScanOnce(ctx)
		}
	}
}

func (j *RetryScanner) Stop() {
	close(j.stopCh)
}

type ScanResult struct {
	Resubmitted int
	Exhausted   int
	Redriven    int
}

func (j *RetryScanner) ScanOnce(ctx context.Context) ScanResult {
	var res ScanResult
	cutoff := j.now().Add(-j.minAge)

	failed, err := j.transfers.GetRetryable(ctx, cutoff, j.codes, j.batchSize)
	if err != nil {
		j.log.Error("query retryable transfers", zap.Error(err))
		return res
	}
	for _, t := range failed {
		if t.RetryCount >= j.maxRetries {
			if err := j.transfers.MarkMaxRetriesReached(ctx, t.ID); err != nil {
				j.log.Error("mark max retries reached", zap.Int64("transfer_id", t.ID), zap.Error(err))
				continue
			}
			res.Exhausted++
			j.metrics.RetriesExhausted.Inc()
			j.log.Warn("transfer reached max retries", zap.Int64("transfer_id", t.ID), zap.Int("retry_count", t.RetryCount))
			continue
		}
		if j.resubmit(ctx, t, true) {
			res.Resubmitted++
			j.metrics.RetryResubmissions.Inc()
		}
	}

	pending, err := j.transfers.GetStalePending(ctx, cutoff, j.batchSize)
	if err != nil {
		j.log.Error("query stale pending transfers", zap.Error(err))
		return res
	}
	for _, t := range pending {
		if heldByGuard(t) {
			continue
		}
		if j.resubmit(ctx, t, false) {
			res.Redriven++
		}
	}

	if res != (ScanResult{}) {
		j.log.Info("retry scan", zap.Int("resubmitted", res.Resubmitted), zap.Int("exhausted", res.Exhausted), zap.Int("redriven", res.Redriven))
	}
	return res
}

func (j *RetryScanner) resubmit(ctx context.Context, t *model.TransferRequest, retry bool) bool {
	if err := j.resubmitter.Resubmit(ctx, t.ID, retry); err != nil {
		j.log.Error("resubmit transfer", zap.Int64("transfer_id", t.ID), zap.Error(err))
		return false
	}
	// leave the scan window until the processor has had a go
	if err := j.transfers.Touch(ctx, t.ID); err != nil {
		j.log.Warn("touch transfer", zap.Int64("transfer_id", t.ID), zap.Error(err))
	}
	return true
}

func heldByGuard(t *model.TransferRequest) bool {
	for _, key := range []string{model.NightGuardStatusKey, model.LargeTxShieldStatusKey, model.LocationGuardStatusKey} {
		switch t.Metadata[key] {
		case model.GuardStatusPending, model.GuardStatusFailed:
			return true
		}
	}
	return false
}
