// Package metering is the orchestrator that pairs externally managed VMs
// with prepaid billing: it reserves credit before provisioning, charges
// accounts as time elapses, and terminates instances whose owners cannot
// pre-fund further usage.
package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering-plane/internal/ledger"
	"github.com/crosslogic/metering-plane/internal/vmmanager"
	"github.com/crosslogic/metering-plane/pkg/events"
	"github.com/crosslogic/metering-plane/pkg/metrics"
	"github.com/crosslogic/metering-plane/pkg/models"
	"go.uber.org/zap"
)

// ErrRequestDenied is returned for create requests rejected before any
// external side effect: unknown accounts, bad parameters, or insufficient
// credit for the first billing period.
var ErrRequestDenied = errors.New("resource request denied")

// Config tunes the charge cycle.
type Config struct {
	// ChargeFrequency is how often the periodic cycle fires.
	ChargeFrequency time.Duration

	// Lookahead is the window each charge pre-pays for. Must be at
	// least ChargeFrequency so an instance survives until the next
	// cycle even under scheduling jitter.
	Lookahead time.Duration

	// TimerDisabled turns the periodic timer off; cycles then only run
	// when RunCycle is called explicitly.
	TimerDisabled bool
}

// Engine tracks billed instances and drives the periodic charge cycle.
type Engine struct {
	store  ledger.Store
	rates  *ledger.RateTable
	vm     vmmanager.Manager
	logger *zap.Logger
	bus    *events.Bus
	cfg    Config

	// mu guards tracked and the timer start/stop transition: the
	// empty<->non-empty handoff must be serialized so a timer is never
	// leaked with nothing to bill or missed when the first instance
	// registers concurrently with a reap.
	mu      sync.Mutex
	tracked map[string]*models.Instance
	stopCh  chan struct{}

	// cycleMu serializes charge cycles. The timer goroutine never
	// overlaps itself, but RunCycle is also driven directly (admin
	// endpoint, timer-disabled mode); two cycles over the same snapshot
	// would both charge the same owed window and commit twice.
	cycleMu sync.Mutex

	now func() time.Time
}

// NewEngine creates a metering engine.
func NewEngine(store ledger.Store, rates *ledger.RateTable, vm vmmanager.Manager, bus *events.Bus, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		rates:   rates,
		vm:      vm,
		logger:  logger,
		bus:     bus,
		cfg:     cfg,
		tracked: make(map[string]*models.Instance),
		now:     time.Now,
	}
}

// Create reserves one billing period of credit, provisions through the VM
// manager, and registers the returned instances for tracking. A manager
// failure refunds the reservation in full before the original error is
// returned to the caller.
func (e *Engine) Create(ctx context.Context, req vmmanager.CreateRequest) ([]*models.Instance, error) {
	if req.NodeCount < 1 {
		return nil, fmt.Errorf("%w: node count must be at least 1", ErrRequestDenied)
	}

	valid, err := e.store.IsValidAccount(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("failed to validate account: %w", err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: unknown account %q", ErrRequestDenied, req.Owner)
	}

	// Reserve one full billing period up front, before any external
	// side effect.
	rate := e.rates.HourlyRate(req.ResourceType)
	reservation := rate * int64(req.NodeCount)
	if err := e.store.Charge(ctx, req.Owner, reservation); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			return nil, fmt.Errorf("%w: insufficient credit for first billing period", ErrRequestDenied)
		}
		return nil, fmt.Errorf("failed to reserve first billing period: %w", err)
	}
	metrics.RecordCharge("reservation", reservation)

	ids, err := e.vm.Create(ctx, req)
	if err != nil {
		// Compensating refund: the ledger must never retain a charge
		// for a resource that does not exist.
		if refundErr := e.store.Credit(ctx, req.Owner, reservation); refundErr != nil {
			e.logger.Error("failed to refund reservation after create failure",
				zap.String("owner", req.Owner),
				zap.Int64("amount", reservation),
				zap.Error(refundErr),
			)
		} else {
			metrics.RefundsTotal.Inc()
			e.bus.Publish(ctx, events.NewEvent(events.EventCreateRefunded, req.Owner, map[string]interface{}{
				"amount": reservation,
			}))
		}
		return nil, err
	}

	now := e.now().UTC()
	var created []*models.Instance
	var anomaly error
	for _, id := range ids {
		if id == "" {
			e.logger.Error("manager returned an instance with no identity",
				zap.String("owner", req.Owner),
			)
			anomaly = fmt.Errorf("manager returned an instance with no identity")
			continue
		}

		inst := &models.Instance{
			ID:                id,
			Owner:             req.Owner,
			ResourceType:      req.ResourceType,
			RatePerHour:       rate,
			AccumulatedCharge: rate,
			StartTime:         now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			e.logger.Error("failed to persist new instance",
				zap.String("instance_id", id),
				zap.Error(err),
			)
			return created, fmt.Errorf("failed to persist instance %s: %w", id, err)
		}

		e.register(inst)
		created = append(created, inst)

		e.bus.Publish(ctx, events.NewEvent(events.EventInstanceCreated, req.Owner, map[string]interface{}{
			"instance_id":   id,
			"resource_type": req.ResourceType,
			"rate_per_hour": rate,
		}))
	}

	if anomaly != nil {
		return created, anomaly
	}
	return created, nil
}

// Trash requests termination of an instance. Billing consequences (the
// final charge through the stop time and removal from tracking) are
// handled by the next charge cycle.
func (e *Engine) Trash(ctx context.Context, id, owner string) error {
	if err := e.vm.Terminate(ctx, id, owner); err != nil {
		return err
	}
	e.bus.Publish(ctx, events.NewEvent(events.EventInstanceTerminated, owner, map[string]interface{}{
		"instance_id": id,
	}))
	return nil
}

// DescribeInstance is a passthrough read of the manager's view.
func (e *Engine) DescribeInstance(ctx context.Context, id string) (*vmmanager.InstanceState, error) {
	return e.vm.State(ctx, id)
}

// Tracked returns a snapshot of the tracked instance for id, if any.
func (e *Engine) Tracked(id string) (*models.Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.tracked[id]
	if !ok {
		return nil, false
	}
	cp := *inst
	if inst.StopTime != nil {
		stop := *inst.StopTime
		cp.StopTime = &stop
	}
	return &cp, true
}

// TimerRunning reports whether the periodic charge timer is active.
func (e *Engine) TimerRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCh != nil
}

// Stop halts the periodic timer. Tracked instances are kept; a later
// Create or Recover restarts billing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimerLocked()
}

// register adds an instance to the tracked set and starts the timer on
// the empty->non-empty transition. A duplicate registration is a logged
// anomaly; the existing record wins.
func (e *Engine) register(inst *models.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.tracked[inst.ID]; dup {
		e.logger.Error("duplicate instance registration",
			zap.String("instance_id", inst.ID),
			zap.String("owner", inst.Owner),
		)
		return
	}

	e.tracked[inst.ID] = inst
	metrics.TrackedInstances.Set(float64(len(e.tracked)))

	if len(e.tracked) == 1 {
		e.startTimerLocked()
	}
}

func (e *Engine) startTimerLocked() {
	if e.cfg.TimerDisabled || e.stopCh != nil {
		return
	}

	stopCh := make(chan struct{})
	e.stopCh = stopCh

	e.logger.Info("starting charge cycle timer",
		zap.Duration("frequency", e.cfg.ChargeFrequency),
		zap.Duration("lookahead", e.cfg.Lookahead),
	)

	// One goroutine drives all cycles, so a cycle never overlaps with
	// itself: a slow cycle simply delays the next tick.
	go func() {
		ticker := time.NewTicker(e.cfg.ChargeFrequency)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := e.RunCycle(context.Background(), e.now()); err != nil {
					e.logger.Error("charge cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

func (e *Engine) stopTimerLocked() {
	if e.stopCh == nil {
		return
	}
	e.logger.Info("stopping charge cycle timer")
	close(e.stopCh)
	e.stopCh = nil
}

// snapshot returns deep copies of the tracked instances. Cycles mutate the
// copies and swap them back only after a successful commit, so a failed
// commit leaves the in-memory charge state at the last persisted values.
func (e *Engine) snapshot() []*models.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.Instance, 0, len(e.tracked))
	for _, inst := range e.tracked {
		cp := *inst
		if inst.StopTime != nil {
			stop := *inst.StopTime
			cp.StopTime = &stop
		}
		out = append(out, &cp)
	}
	return out
}
