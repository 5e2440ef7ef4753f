package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/store"
	"nimbus-ide/pkg/models"
)

// Reconcile repairs state left behind by a previous process: records stuck
// in a non-terminal state are marked crashed, their sandboxes destroyed,
// and any sandbox older than the cleanup horizon is removed. Executions
// owned by a live fibre are never touched; their fibre writes the terminal
// state itself.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	log := logging.L()

	liveNames, err := o.driver.Stale(ctx, 0)
	if err != nil {
		return err
	}
	alive := make(map[string]bool, len(liveNames))
	for _, name := range liveNames {
		alive[name] = true
	}

	orphans, err := o.records.NonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, rec := range orphans {
		if o.owns(rec.ID) {
			continue
		}
		if rec.SandboxHandle != "" && alive[rec.SandboxHandle] {
			if err := o.driver.DestroyByName(ctx, rec.SandboxHandle); err != nil {
				log.Error("failed to destroy orphaned sandbox",
					zap.String("sandbox", rec.SandboxHandle), zap.Error(err))
			}
			delete(alive, rec.SandboxHandle)
		}
		if err := o.records.UpdateTerminal(ctx, rec.ID, store.TerminalFields{
			Status:            models.StatusCrashed,
			TerminationReason: models.ReasonCrashed,
			EndedAt:           time.Now(),
		}); err != nil {
			log.Error("failed to mark orphaned execution crashed",
				zap.String("execution_id", rec.ID), zap.Error(err))
			continue
		}
		log.Warn("marked orphaned execution crashed",
			zap.String("execution_id", rec.ID),
			zap.String("sandbox", rec.SandboxHandle))
	}

	return o.SweepStale(ctx)
}

// SweepStale removes sandbox containers older than the cleanup horizon.
// Safe to run periodically alongside live executions.
func (o *Orchestrator) SweepStale(ctx context.Context) error {
	log := logging.L()
	cleanup := time.Duration(o.settings.Snapshot().ContainerCleanupHrs) * time.Hour
	stale, err := o.driver.Stale(ctx, cleanup)
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := o.driver.DestroyByName(ctx, name); err != nil {
			log.Error("failed to destroy stale sandbox",
				zap.String("sandbox", name), zap.Error(err))
			continue
		}
		log.Info("destroyed stale sandbox", zap.String("sandbox", name))
	}
	return nil
}

func (o *Orchestrator) owns(execID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.live[execID]
	return ok
}
