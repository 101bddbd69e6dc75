package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/metering-plane/internal/ledger"
	"github.com/crosslogic/metering-plane/internal/vmmanager"
	"github.com/crosslogic/metering-plane/pkg/events"
	"github.com/crosslogic/metering-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cycleStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// trackInstance registers a running instance as if created at cycleStart.
func trackInstance(e *Engine, vm *fakeManager, id, owner string, accumulated int64) *models.Instance {
	inst := &models.Instance{
		ID:                id,
		Owner:             owner,
		ResourceType:      "test",
		RatePerHour:       testRate,
		AccumulatedCharge: accumulated,
		StartTime:         cycleStart,
	}
	vm.states[id] = &vmmanager.InstanceState{ID: id, Status: models.InstanceRunning}
	e.register(inst)
	return inst
}

func TestCycleChargesThroughLookahead(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)
	require.NoError(t, store.Charge(context.Background(), "alice", testRate))

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", testRate)

	// One hour elapsed; with the one-hour lookahead the instance must be
	// funded through two billable hours.
	now := cycleStart.Add(time.Hour)
	require.NoError(t, e.RunCycle(context.Background(), now))

	assert.Equal(t, int64(20*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))

	tracked, ok := e.Tracked("vm-1")
	require.True(t, ok)
	assert.Equal(t, int64(20*ledger.MicroCreditsPerCredit), tracked.AccumulatedCharge)

	persisted, ok := store.Instance("vm-1")
	require.True(t, ok)
	assert.Equal(t, tracked.AccumulatedCharge, persisted.AccumulatedCharge)
}

func TestCycleSkipsFullyPrepaidInstance(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)
	require.NoError(t, store.Charge(context.Background(), "alice", testRate))

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: 30 * time.Minute})
	trackInstance(e, vm, "vm-1", "alice", testRate)

	// Immediately after create the reservation still covers the
	// lookahead window.
	require.NoError(t, e.RunCycle(context.Background(), cycleStart))

	assert.Equal(t, int64(10*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))
}

func TestCycleOverdraftsDeadbeatAndRequestsTermination(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)
	// Account exactly at its limit.
	require.NoError(t, store.Charge(context.Background(), "alice", 100*ledger.MicroCreditsPerCredit))

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	// 10 credits already billed; 1.5 elapsed hours owes 5 more.
	trackInstance(e, vm, "vm-1", "alice", testRate)

	now := cycleStart.Add(90 * time.Minute)
	require.NoError(t, e.RunCycle(context.Background(), now))

	// Normal charge failed, exact elapsed time was forced through as an
	// overdraft.
	assert.Equal(t, int64(105*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))

	tracked, ok := e.Tracked("vm-1")
	require.True(t, ok)
	assert.Equal(t, int64(15*ledger.MicroCreditsPerCredit), tracked.AccumulatedCharge)

	// Involuntary termination was requested, but the instance stays
	// tracked until the manager reports it gone.
	assert.Equal(t, []string{"vm-1"}, vm.terminatedIDs())
}

func TestDeadbeatRecoversAfterExternalCredit(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)
	require.NoError(t, store.Charge(context.Background(), "alice", 100*ledger.MicroCreditsPerCredit))

	vm := newFakeManager()
	// Termination keeps failing, so the instance survives its deadbeat
	// cycle.
	vm.termErrs["vm-1"] = &vmmanager.ManageError{Op: "terminate", InstanceID: "vm-1", Err: errors.New("backend busy")}

	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", testRate)

	require.NoError(t, e.RunCycle(context.Background(), cycleStart.Add(90*time.Minute)))
	assert.Equal(t, int64(105*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))

	// The owner tops up before the next cycle; deadbeat is per-cycle,
	// not sticky.
	require.NoError(t, store.Credit(context.Background(), "alice", 60*ledger.MicroCreditsPerCredit))

	require.NoError(t, e.RunCycle(context.Background(), cycleStart.Add(2*time.Hour)))

	// The normal charge succeeded; no new termination request was made.
	tracked, ok := e.Tracked("vm-1")
	require.True(t, ok)
	assert.Equal(t, int64(30*ledger.MicroCreditsPerCredit), tracked.AccumulatedCharge)
	assert.Empty(t, vm.terminatedIDs())
}

func TestCycleReapsStoppedInstanceAfterFinalCharge(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	// Nothing billed yet, so the final settle must charge the exact
	// elapsed time: termination never waives incurred debt.
	trackInstance(e, vm, "vm-1", "alice", 0)

	stoppedAt := cycleStart.Add(30 * time.Minute)
	vm.states["vm-1"] = &vmmanager.InstanceState{
		ID:        "vm-1",
		Status:    models.InstanceStopped,
		StoppedAt: &stoppedAt,
	}

	require.NoError(t, e.RunCycle(context.Background(), cycleStart.Add(time.Hour)))

	// Billed exactly through the stop time.
	assert.Equal(t, int64(5*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))

	_, ok := e.Tracked("vm-1")
	assert.False(t, ok)

	persisted, ok := store.Instance("vm-1")
	require.True(t, ok)
	assert.True(t, persisted.Terminal)
	require.NotNil(t, persisted.StopTime)
	assert.Equal(t, stoppedAt, *persisted.StopTime)
}

func TestCycleReapsVanishedInstanceBilledThroughNow(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", 0)
	delete(vm.states, "vm-1")

	now := cycleStart.Add(time.Hour)
	require.NoError(t, e.RunCycle(context.Background(), now))

	// The exact stop moment is unknowable; the bias is to bill through
	// the probe time.
	assert.Equal(t, int64(10*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))

	_, ok := e.Tracked("vm-1")
	assert.False(t, ok)
}

func TestCycleStopsTimerWhenSetEmpties(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)
	vm := newFakeManager()
	vm.nextIDs = []string{"vm-1"}

	e := newTestEngine(t, store, vm, Config{ChargeFrequency: time.Hour, Lookahead: time.Hour})

	_, err := e.Create(context.Background(), vmmanager.CreateRequest{
		Owner:        "alice",
		ResourceType: "test",
		NodeCount:    1,
	})
	require.NoError(t, err)
	require.True(t, e.TimerRunning())

	delete(vm.states, "vm-1")
	require.NoError(t, e.RunCycle(context.Background(), time.Now()))

	assert.False(t, e.TimerRunning())
}

func TestCycleSkipsInstanceOnTransientManagerError(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", testRate)
	vm.stateErrs["vm-1"] = &vmmanager.ManageError{Op: "state", InstanceID: "vm-1", Err: errors.New("timeout")}

	require.NoError(t, e.RunCycle(context.Background(), cycleStart.Add(2*time.Hour)))

	// Nothing billed this cycle; the instance stays tracked and is
	// retried naturally next cycle.
	assert.Equal(t, int64(0), usedCredits(t, store, "alice"))
	_, ok := e.Tracked("vm-1")
	assert.True(t, ok)

	delete(vm.stateErrs, "vm-1")
	require.NoError(t, e.RunCycle(context.Background(), cycleStart.Add(2*time.Hour)))
	assert.Equal(t, int64(20*ledger.MicroCreditsPerCredit), usedCredits(t, store, "alice"))
}

// failingCycleStore wraps a Store and fails every cycle commit.
type failingCycleStore struct {
	ledger.Store
}

type failingCycleTx struct {
	ledger.CycleTx
}

func (s *failingCycleStore) BeginCycle(ctx context.Context) (ledger.CycleTx, error) {
	tx, err := s.Store.BeginCycle(ctx)
	if err != nil {
		return nil, err
	}
	return &failingCycleTx{CycleTx: tx}, nil
}

func (tx *failingCycleTx) Commit(ctx context.Context) error {
	_ = tx.CycleTx.Rollback(ctx)
	return errors.New("disk full")
}

func TestCycleCommitFailureLeavesStateUntouched(t *testing.T) {
	mem := ledger.NewMemory()
	seedAccount(t, mem, "alice", 100)
	store := &failingCycleStore{Store: mem}

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", testRate)

	err := e.RunCycle(context.Background(), cycleStart.Add(time.Hour))
	require.Error(t, err)

	// Neither ledger nor in-memory tracking may show the failed cycle.
	assert.Equal(t, int64(0), usedCredits(t, mem, "alice"))
	tracked, ok := e.Tracked("vm-1")
	require.True(t, ok)
	assert.Equal(t, testRate, tracked.AccumulatedCharge)
}

// slowCommitStore wraps a Store and stretches every cycle commit, widening
// the window in which a second cycle could observe stale charge state.
type slowCommitStore struct {
	ledger.Store
}

type slowCommitTx struct {
	ledger.CycleTx
}

func (s *slowCommitStore) BeginCycle(ctx context.Context) (ledger.CycleTx, error) {
	tx, err := s.Store.BeginCycle(ctx)
	if err != nil {
		return nil, err
	}
	return &slowCommitTx{CycleTx: tx}, nil
}

func (tx *slowCommitTx) Commit(ctx context.Context) error {
	time.Sleep(100 * time.Millisecond)
	return tx.CycleTx.Commit(ctx)
}

func TestConcurrentCyclesChargeOnce(t *testing.T) {
	mem := ledger.NewMemory()
	seedAccount(t, mem, "alice", 100)
	require.NoError(t, mem.Charge(context.Background(), "alice", testRate))
	store := &slowCommitStore{Store: mem}

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", testRate)

	// Two cycles at the same probe time, racing. The second must wait
	// for the first commit and then find nothing left owed.
	now := cycleStart.Add(time.Hour)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.RunCycle(context.Background(), now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(20*ledger.MicroCreditsPerCredit), usedCredits(t, mem, "alice"))
	tracked, ok := e.Tracked("vm-1")
	require.True(t, ok)
	assert.Equal(t, int64(20*ledger.MicroCreditsPerCredit), tracked.AccumulatedCharge)
}

func TestCycleEmitsChargeEvent(t *testing.T) {
	store := ledger.NewMemory()
	seedAccount(t, store, "alice", 100)
	require.NoError(t, store.Charge(context.Background(), "alice", testRate))

	vm := newFakeManager()
	e := newTestEngine(t, store, vm, Config{TimerDisabled: true, Lookahead: time.Hour})
	trackInstance(e, vm, "vm-1", "alice", testRate)

	charged := make(chan events.Event, 1)
	e.bus.Subscribe(events.EventAccountCharged, func(ctx context.Context, event events.Event) error {
		charged <- event
		return nil
	})

	require.NoError(t, e.RunCycle(context.Background(), cycleStart.Add(time.Hour)))

	select {
	case event := <-charged:
		assert.Equal(t, "alice", event.Owner)
		assert.Equal(t, "vm-1", event.Payload["instance_id"])
		assert.Equal(t, int64(10*ledger.MicroCreditsPerCredit), event.Payload["amount"])
	case <-time.After(2 * time.Second):
		t.Fatal("no charge event published")
	}
}
