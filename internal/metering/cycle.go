package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering-plane/internal/ledger"
	"github.com/crosslogic/metering-plane/internal/vmmanager"
	"github.com/crosslogic/metering-plane/pkg/events"
	"github.com/crosslogic/metering-plane/pkg/metrics"
	"github.com/crosslogic/metering-plane/pkg/models"
	"go.uber.org/zap"
)

// RunCycle executes one charge cycle at the given probe time: refresh each
// tracked instance against the manager, charge the elapsed-plus-lookahead
// window, escalate underfunded owners to overdraft, commit all billing
// mutations in one transaction, and only then act on terminations and
// reaps. Cycles never overlap: a caller arriving mid-cycle waits, then
// recomputes from the state the previous cycle committed.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	snapshot := e.snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	started := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	e.logger.Debug("running charge cycle",
		zap.Time("now", now),
		zap.Int("tracked", len(snapshot)),
	)

	tx, err := e.store.BeginCycle(ctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		return fmt.Errorf("failed to begin cycle transaction: %w", err)
	}

	var (
		dirty     []*models.Instance
		deadbeats = make(map[string]*models.Instance)
		reaped    = make(map[string]*models.Instance)
	)

	for _, inst := range snapshot {
		if skip := e.refreshState(ctx, inst, now, reaped); skip {
			continue
		}

		if err := e.chargeInstance(ctx, tx, inst, now, deadbeats); err != nil {
			// A persistence failure aborts the whole cycle; nothing
			// partial may commit. The next cycle recomputes from the
			// last persisted accumulated charge.
			_ = tx.Rollback(ctx)
			metrics.CycleErrors.Inc()
			return fmt.Errorf("charge cycle aborted: %w", err)
		}

		dirty = append(dirty, inst)
	}

	// Reaped instances are persisted terminal even when nothing new was
	// charged, so restart recovery will not resurrect them.
	for _, inst := range reaped {
		inst.Terminal = true
	}

	for _, inst := range dirty {
		inst.UpdatedAt = now.UTC()
		if err := tx.SaveInstance(ctx, inst); err != nil {
			_ = tx.Rollback(ctx)
			metrics.CycleErrors.Inc()
			return fmt.Errorf("charge cycle aborted: %w", err)
		}
	}

	// Billing truth becomes durable before any termination is attempted.
	if err := tx.Commit(ctx); err != nil {
		metrics.CycleErrors.Inc()
		return fmt.Errorf("failed to commit charge cycle: %w", err)
	}

	e.applyCycle(dirty, reaped)
	e.terminateDeadbeats(ctx, deadbeats, reaped)

	return nil
}

// refreshState queries the manager for the instance's current state and
// records a stop when one is reported. Returns true when the instance must
// be skipped this cycle (transient manager failure, retried naturally next
// cycle since it stays tracked).
func (e *Engine) refreshState(ctx context.Context, inst *models.Instance, now time.Time, reaped map[string]*models.Instance) bool {
	state, err := e.vm.State(ctx, inst.ID)
	switch {
	case errors.Is(err, vmmanager.ErrDoesNotExist):
		// Gone without a recorded stop time: bill through now rather
		// than silently losing the tail of its runtime.
		inst.MarkStopped(now)
		reaped[inst.ID] = inst

	case err != nil:
		e.logger.Warn("failed to refresh instance state",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return true

	case state.Status == models.InstanceStopped:
		stoppedAt := now
		if state.StoppedAt != nil {
			stoppedAt = *state.StoppedAt
		}
		inst.MarkStopped(stoppedAt)
		reaped[inst.ID] = inst
	}
	return false
}

// chargeInstance bills the still-unpaid window through now+lookahead. An
// InsufficientCredit answer drops the window to exact elapsed time and
// forces that much through as an overdraft, flagging the owner's instance
// for involuntary termination. Termination never waives incurred debt: a
// stopped instance is still charged for its actual elapsed time here.
func (e *Engine) chargeInstance(ctx context.Context, tx ledger.CycleTx, inst *models.Instance, now time.Time, deadbeats map[string]*models.Instance) error {
	owed := inst.OwedThrough(now.Add(e.cfg.Lookahead))
	if owed <= 0 {
		return nil
	}

	err := tx.Charge(ctx, inst.Owner, owed)
	if err == nil {
		inst.AccumulatedCharge += owed
		metrics.RecordCharge("cycle", owed)
		e.bus.Publish(ctx, events.NewEvent(events.EventAccountCharged, inst.Owner, map[string]interface{}{
			"instance_id": inst.ID,
			"amount":      owed,
		}))
		return nil
	}
	if !errors.Is(err, ledger.ErrInsufficientCredit) {
		return fmt.Errorf("failed to charge %s for instance %s: %w", inst.Owner, inst.ID, err)
	}

	// The owner cannot pre-fund the lookahead window. Bill the exact
	// elapsed amount regardless; the instance becomes a termination
	// candidate.
	owedNow := inst.OwedThrough(now)
	if owedNow <= 0 {
		return nil
	}
	if err := tx.ChargeWithOverdraft(ctx, inst.Owner, owedNow); err != nil {
		return fmt.Errorf("failed to overdraft-charge %s for instance %s: %w", inst.Owner, inst.ID, err)
	}
	inst.AccumulatedCharge += owedNow
	metrics.RecordCharge("overdraft", owedNow)
	deadbeats[inst.ID] = inst

	e.logger.Warn("instance owner could not be charged, flagged for termination",
		zap.String("instance_id", inst.ID),
		zap.String("owner", inst.Owner),
		zap.Int64("overdraft_amount", owedNow),
	)
	e.bus.Publish(ctx, events.NewEvent(events.EventAccountOverdrawn, inst.Owner, map[string]interface{}{
		"instance_id": inst.ID,
		"amount":      owedNow,
	}))

	return nil
}

// applyCycle swaps the committed instance copies back into the tracked set
// and removes the reaped ones, stopping the timer when the set empties.
func (e *Engine) applyCycle(dirty []*models.Instance, reaped map[string]*models.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, inst := range dirty {
		if _, ok := e.tracked[inst.ID]; ok {
			e.tracked[inst.ID] = inst
		}
	}
	for id := range reaped {
		delete(e.tracked, id)
	}
	metrics.TrackedInstances.Set(float64(len(e.tracked)))

	if len(e.tracked) == 0 {
		e.stopTimerLocked()
	}

	for id, inst := range reaped {
		e.logger.Info("reaped instance",
			zap.String("instance_id", id),
			zap.String("owner", inst.Owner),
			zap.Int64("accumulated_charge", inst.AccumulatedCharge),
		)
		e.bus.Publish(context.Background(), events.NewEvent(events.EventInstanceReaped, inst.Owner, map[string]interface{}{
			"instance_id":        id,
			"accumulated_charge": inst.AccumulatedCharge,
		}))
	}
}

// terminateDeadbeats requests involuntary termination for every deadbeat
// the manager still reports. Failures are logged, not retried this cycle:
// the instance stays tracked, keeps accruing overdraft charges, and is
// reconsidered next cycle.
func (e *Engine) terminateDeadbeats(ctx context.Context, deadbeats, reaped map[string]*models.Instance) {
	for id, inst := range deadbeats {
		if _, gone := reaped[id]; gone {
			continue
		}

		err := e.vm.Terminate(ctx, id, inst.Owner)
		switch {
		case errors.Is(err, vmmanager.ErrDoesNotExist):
			e.logger.Debug("deadbeat already gone",
				zap.String("instance_id", id),
			)
		case err != nil:
			e.logger.Warn("failed to terminate deadbeat, will retry next cycle",
				zap.String("instance_id", id),
				zap.Error(err),
			)
		default:
			metrics.DeadbeatTerminations.Inc()
			e.logger.Info("terminated underfunded instance",
				zap.String("instance_id", id),
				zap.String("owner", inst.Owner),
			)
			e.bus.Publish(ctx, events.NewEvent(events.EventInstanceDeadbeat, inst.Owner, map[string]interface{}{
				"instance_id": id,
			}))
		}
	}
}
