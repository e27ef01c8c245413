package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("tasks: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "tasks"))
}

// Job names. Each job is idempotent for a fixed time argument and safe under
// overlapping invocation: every effect is either a conditional write or a
// regeneration from stored state.
const (
	JobCacheCRLs        = "cache-crls"
	JobGenerateOCSPKeys = "generate-ocsp-keys"
	JobACMECleanup      = "acme-cleanup"
)

// ErrUnknownJob is returned by Trigger for a name no job carries.
var ErrUnknownJob = errors.New("tasks: unknown job")

// Job is a named housekeeping function evaluated at an explicit time.
type Job func(ctx context.Context, now time.Time) error

// Runner owns the registered jobs and their periodic execution.
type Runner struct {
	cfg       *config.Config
	store     storage.Storage
	caService ca.CAService

	jobs      map[string]Job
	intervals map[string]time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner builds a Runner with the standard jobs registered.
func NewRunner(cfg *config.Config, store storage.Storage, caService ca.CAService) *Runner {
	r := &Runner{
		cfg:       cfg,
		store:     store,
		caService: caService,
	}
	r.jobs = map[string]Job{
		JobCacheCRLs:        r.cacheCRLs,
		JobGenerateOCSPKeys: r.generateOCSPKeys,
		JobACMECleanup:      r.acmeCleanup,
	}
	r.intervals = map[string]time.Duration{
		JobCacheCRLs:        cfg.CRLRefreshInterval,
		JobGenerateOCSPKeys: cfg.OCSPRotateInterval,
		JobACMECleanup:      cfg.ACMECleanupInterval,
	}
	return r
}

// JobNames lists the registered job names, sorted.
func (r *Runner) JobNames() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs a job by name once, immediately, with the current time.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	job, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.runJob(ctx, name, job, time.Now())
}

// Start launches one ticker goroutine per job. Calling Start twice without
// Stop is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for name, job := range r.jobs {
		interval := r.intervals[name]
		if interval <= 0 {
			logger.Warn("Job has no positive interval, not scheduling", zap.String("job", name))
			continue
		}
		r.wg.Add(1)
		go func(name string, job Job, interval time.Duration) {
			defer r.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			logger.Info("Scheduled job", zap.String("job", name), zap.Duration("interval", interval))
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := r.runJob(ctx, name, job, time.Now()); err != nil {
						logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
					}
				}
			}
		}(name, job, interval)
	}
}

// Stop cancels the ticker goroutines and waits for them to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, name string, job Job, now time.Time) error {
	start := time.Now()
	err := job(ctx, now)
	if err != nil {
		logger.Warn("Job finished with error", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return err
	}
	logger.Info("Job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return nil
}

// cacheCRLs regenerates and stores the CRL for the given time. Regenerating
// for the same time and revocation set stores identical bytes.
func (r *Runner) cacheCRLs(ctx context.Context, now time.Time) error {
	if _, err := r.caService.GenerateCRLAt(ctx, now); err != nil {
		return fmt.Errorf("tasks: cache-crls: %w", err)
	}
	return nil
}

// generateOCSPKeys rotates the delegated OCSP responder key when its
// remaining lifetime has dropped below the renew window, and prunes keys
// past their expiry. Keys inside the overlap window are left in place.
func (r *Runner) generateOCSPKeys(ctx context.Context, now time.Time) error {
	_, rotated, err := r.caService.EnsureOCSPKey(ctx, now)
	if err != nil {
		return fmt.Errorf("tasks: generate-ocsp-keys: %w", err)
	}
	if rotated {
		logger.Info("Rotated OCSP responder key")
	}
	if _, err := r.store.DeleteExpiredOCSPKeys(ctx, now); err != nil {
		return fmt.Errorf("tasks: generate-ocsp-keys: %w", err)
	}
	return nil
}

// acmeCleanup deletes expired nonces and expired orders that never issued.
// Issued certificates and their orders are never touched; authorization and
// challenge rows go with their order via the cascade.
func (r *Runner) acmeCleanup(ctx context.Context, now time.Time) error {
	if _, err := r.store.DeleteExpiredNonces(ctx, now); err != nil {
		return fmt.Errorf("tasks: acme-cleanup: %w", err)
	}
	if _, err := r.store.DeleteExpiredOrders(ctx, now); err != nil {
		return fmt.Errorf("tasks: acme-cleanup: %w", err)
	}
	return nil
}
