package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScheduleOptions controls a batch resolution.
type ScheduleOptions struct {
	// MaxParallel caps the worker count below the scheduler's own limit.
	MaxParallel int

	// FailFast skips entities that have not started once one entity fails.
	FailFast bool

	// RunID labels the batch. A new UUID is used when empty.
	RunID string
}

// RunSummary counts entity outcomes of a batch.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// BatchResult is the outcome of resolving a set of entities.
type BatchResult struct {
	ID          string               `json:"id"`
	Status      RunStatus            `json:"status"`
	Summary     RunSummary           `json:"summary"`
	Entities    map[string]RunStatus `json:"entities"`
	Errors      map[string]error     `json:"-"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Duration    time.Duration        `json:"duration"`
}

// ParallelScheduler resolves independent entities concurrently.
// Each entity is resolved by exactly one worker; per-entity resolution
// itself stays single-threaded.
type ParallelScheduler struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	engine *ResolutionEngine
	logger zerolog.Logger

	// mu protects status during a run
	mu     sync.Mutex
	status map[string]RunStatus
}

// NewParallelScheduler creates a new parallel scheduler.
func NewParallelScheduler(maxParallel int, engine *ResolutionEngine, logger zerolog.Logger) *ParallelScheduler {
	if maxParallel <= 0 {
		maxParallel = 10 // Default to 10 concurrent workers
	}

	return &ParallelScheduler{
		maxParallel: maxParallel,
		engine:      engine,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		status:      make(map[string]RunStatus),
	}
}

// Run resolves every entity and waits for all workers to finish.
// It returns the first entity error together with the full result.
func (s *ParallelScheduler) Run(ctx context.Context, entities []*Configurable, opts ScheduleOptions) (*BatchResult, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	result := &BatchResult{
		ID:        opts.RunID,
		Status:    RunStatusPending,
		Errors:    make(map[string]error),
		StartedAt: time.Now(),
		Summary:   RunSummary{Total: len(entities)},
	}

	seen := make(map[string]bool, len(entities))
	for _, c := range entities {
		if c == nil {
			return nil, NewSchemaError("batch contains a nil entity", nil).WithCode(ErrCodeValidation)
		}
		if seen[c.name] {
			return nil, NewSchemaError(fmt.Sprintf("duplicate entity name in batch: %s", c.name), nil).
				WithEntity(c.name)
		}
		seen[c.name] = true
	}

	s.mu.Lock()
	s.status = make(map[string]RunStatus, len(entities))
	for _, c := range entities {
		s.status[c.name] = RunStatusPending
	}
	s.mu.Unlock()

	log := s.logger.With().Str("run_id", result.ID).Logger()
	log.Info().Int("entities", len(entities)).Msg("Batch resolution started")
	result.Status = RunStatusRunning

	firstErr := s.resolveParallel(ctx, entities, opts, result)

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Summary, result.Entities = s.calculateRunSummary(entities)

	switch {
	case result.Summary.Failed == 0 && result.Summary.Skipped == 0:
		result.Status = RunStatusSucceeded
	case result.Summary.Succeeded > 0:
		result.Status = RunStatusPartial
	default:
		result.Status = RunStatusFailed
	}

	log.Info().
		Str("status", string(result.Status)).
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Dur("duration", result.Duration).
		Msg("Batch resolution finished")

	return result, firstErr
}

// resolveParallel runs a fixed worker pool over a buffered work queue.
func (s *ParallelScheduler) resolveParallel(
	ctx context.Context,
	entities []*Configurable,
	opts ScheduleOptions,
	result *BatchResult,
) error {
	if len(entities) == 0 {
		return nil
	}

	// Determine worker count (min of maxParallel and number of entities)
	workerCount := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workerCount {
		workerCount = opts.MaxParallel
	}
	if len(entities) < workerCount {
		workerCount = len(entities)
	}

	workQueue := make(chan *Configurable, len(entities))
	for _, c := range entities {
		workQueue <- c
	}
	close(workQueue)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		aborted bool
	)
	errChan := make(chan error, len(entities))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for c := range workQueue {
				errMu.Lock()
				stop := aborted
				errMu.Unlock()

				if stop || ctx.Err() != nil {
					s.updateStatus(c.name, RunStatusSkipped)
					continue
				}

				s.updateStatus(c.name, RunStatusRunning)
				if err := s.engine.Resolve(ctx, c); err != nil {
					s.updateStatus(c.name, RunStatusFailed)

					errMu.Lock()
					result.Errors[c.name] = err
					if opts.FailFast {
						aborted = true
					}
					errMu.Unlock()

					errChan <- err
					continue
				}
				s.updateStatus(c.name, RunStatusSucceeded)
			}
		}()
	}

	wg.Wait()
	close(errChan)

	// Collect errors
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// updateStatus records the status of an entity.
func (s *ParallelScheduler) updateStatus(entity string, status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[entity] = status
}

// Status returns the status of an entity in the current or last run.
func (s *ParallelScheduler) Status(entity string) (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[entity]
	return st, ok
}

// calculateRunSummary calculates the final run summary statistics and the
// status of each entity. Entities that never ran are reported as skipped.
func (s *ParallelScheduler) calculateRunSummary(entities []*Configurable) (RunSummary, map[string]RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := RunSummary{Total: len(entities)}
	statuses := make(map[string]RunStatus, len(entities))
	for _, c := range entities {
		switch st := s.status[c.name]; st {
		case RunStatusSucceeded:
			summary.Succeeded++
			statuses[c.name] = st
		case RunStatusFailed:
			summary.Failed++
			statuses[c.name] = st
		default:
			summary.Skipped++
			statuses[c.name] = RunStatusSkipped
		}
	}
	return summary, statuses
}

// ResolveAll resolves independent entities concurrently with a scheduler
// sized by opts.MaxParallel.
func (e *ResolutionEngine) ResolveAll(ctx context.Context, entities []*Configurable, opts ScheduleOptions) (*BatchResult, error) {
	return NewParallelScheduler(opts.MaxParallel, e, e.logger).Run(ctx, entities, opts)
}
