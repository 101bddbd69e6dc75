package metering

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/metering-plane/internal/vmmanager"
	"github.com/crosslogic/metering-plane/pkg/events"
	"github.com/crosslogic/metering-plane/pkg/metrics"
	"github.com/crosslogic/metering-plane/pkg/models"
	"go.uber.org/zap"
)

// Recover rebuilds the tracked set after a restart. Every persisted
// instance believed running at shutdown is reconciled against the manager:
// still-existing instances are re-tracked with their accumulated charge
// unchanged; vanished ones are billed through the recovery time (the exact
// stop moment is unknowable, so the bias is to over-charge rather than
// silently lose billable time) and finalized without re-tracking. Must run
// before the first charge cycle.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.ListOpenInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted instances: %w", err)
	}
	if len(open) == 0 {
		e.logger.Info("recovery found no open instances")
		return nil
	}

	now := e.now().UTC()
	e.logger.Info("recovering tracked instances",
		zap.Int("open", len(open)),
		zap.Time("recovery_time", now),
	)

	tx, err := e.store.BeginCycle(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin recovery transaction: %w", err)
	}

	var survivors []*models.Instance
	finalized := 0

	for _, inst := range open {
		state, err := e.vm.State(ctx, inst.ID)
		switch {
		case errors.Is(err, vmmanager.ErrDoesNotExist):
			// Already gone. Final charge goes through overdraft: the
			// account cannot be asked to pre-approve retroactively.
			inst.MarkStopped(now)
			inst.Terminal = true
			if owed := inst.OwedThrough(now); owed > 0 {
				if err := tx.ChargeWithOverdraft(ctx, inst.Owner, owed); err != nil {
					_ = tx.Rollback(ctx)
					return fmt.Errorf("recovery aborted: %w", err)
				}
				inst.AccumulatedCharge += owed
				metrics.RecordCharge("overdraft", owed)
			}
			inst.UpdatedAt = now
			if err := tx.SaveInstance(ctx, inst); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("recovery aborted: %w", err)
			}
			finalized++
			e.logger.Info("finalized vanished instance",
				zap.String("instance_id", inst.ID),
				zap.String("owner", inst.Owner),
				zap.Int64("accumulated_charge", inst.AccumulatedCharge),
			)

		case err != nil:
			// Transient manager failure: keep tracking. The next
			// cycle refreshes its state.
			e.logger.Warn("could not reconcile instance during recovery, keeping it tracked",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			survivors = append(survivors, inst)

		default:
			// The manager's state is authoritative. A stop it
			// reports is recorded now and settled by the next cycle.
			if state.Status == models.InstanceStopped {
				stoppedAt := now
				if state.StoppedAt != nil {
					stoppedAt = *state.StoppedAt
				}
				inst.MarkStopped(stoppedAt)
				inst.UpdatedAt = now
				if err := tx.SaveInstance(ctx, inst); err != nil {
					_ = tx.Rollback(ctx)
					return fmt.Errorf("recovery aborted: %w", err)
				}
			}
			survivors = append(survivors, inst)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit recovery: %w", err)
	}

	for _, inst := range survivors {
		e.register(inst)
	}

	e.logger.Info("recovery completed",
		zap.Int("re_tracked", len(survivors)),
		zap.Int("finalized", finalized),
	)
	e.bus.Publish(ctx, events.NewEvent(events.EventRecoveryCompleted, "", map[string]interface{}{
		"re_tracked": len(survivors),
		"finalized":  finalized,
	}))

	return nil
}
