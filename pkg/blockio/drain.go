package blockio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loopholelabs/logging/types"
)

type DrainConfiguration struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func DefaultDrainConfiguration() DrainConfiguration {
	return DrainConfiguration{
		Timeout:      5 * time.Second,
		PollInterval: time.Millisecond,
	}
}

type DrainReport struct {
	Engine         string
	PendingAtStart int
	Flushed        int
	Duration       time.Duration
}

// Drain stops the engine's intake and flushes completions until nothing is
// pending. flush has to make the completion visible to the guest before it
// returns. Intake stays stopped; the caller resumes it once the capture that
// needed the drain is done.
func Drain(ctx context.Context, engine Engine, cfg DrainConfiguration, flush func(Completion) error, log types.Logger) (DrainReport, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDrainConfiguration().Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultDrainConfiguration().PollInterval
	}

	started := time.Now()

	engine.StopIntake()

	report := DrainReport{
		Engine:         engine.Kind(),
		PendingAtStart: engine.PendingOps(),
	}

	if log != nil && engine.Kind() == EngineAsync {
		log.Info().Int("pending_ops", report.PendingAtStart).Msg("async engine draining")
	}

	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, c := range engine.Reap() {
			if err := flush(c); err != nil {
				report.Duration = time.Since(started)

				return report, errors.Join(ErrCouldNotFlushCompletion, err)
			}

			report.Flushed++
		}

		if engine.PendingOps() == 0 {
			report.Duration = time.Since(started)

			return report, nil
		}

		select {
		case <-ctx.Done():
			report.Duration = time.Since(started)

			return report, ctx.Err()

		case <-deadline.C:
			report.Duration = time.Since(started)

			return report, errors.Join(ErrDrainTimeout, fmt.Errorf("%d operations still pending after %v", engine.PendingOps(), cfg.Timeout))

		case <-engine.Notify():
		case <-ticker.C:
		}
	}
}
