package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crosslogic/metering-plane/pkg/models"
)

// Memory is an in-memory Store. It backs the timer-disabled/offline run
// mode and tests; production deployments use the Postgres store.
type Memory struct {
	mu        sync.Mutex
	accounts  map[string]*models.Account
	instances map[string]*models.Instance

	// reserved sums the uncommitted charges of open cycle transactions
	// per owner, so direct charges see them in the ceiling check the
	// same way concurrent Postgres transactions re-evaluate the guard.
	reserved map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[string]*models.Account),
		instances: make(map[string]*models.Instance),
		reserved:  make(map[string]int64),
	}
}

func (m *Memory) IsValidAccount(ctx context.Context, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[owner]
	return ok, nil
}

func (m *Memory) Account(ctx context.Context, owner string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[owner]
	if !ok {
		return nil, ErrNoSuchAccount
	}
	cp := *acct
	if acct.MaxCredits != nil {
		max := *acct.MaxCredits
		cp.MaxCredits = &max
	}
	return &cp, nil
}

func (m *Memory) PutAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	if account.MaxCredits != nil {
		max := *account.MaxCredits
		cp.MaxCredits = &max
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.accounts[account.Owner] = &cp
	return nil
}

func (m *Memory) Charge(ctx context.Context, owner string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeLocked(owner, amount, false)
}

func (m *Memory) ChargeWithOverdraft(ctx context.Context, owner string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeLocked(owner, amount, true)
}

func (m *Memory) Credit(ctx context.Context, owner string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[owner]
	if !ok {
		return ErrNoSuchAccount
	}
	if acct.UsedCredits < amount {
		return ErrInsufficientCredit
	}
	acct.UsedCredits -= amount
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SaveInstance(ctx context.Context, inst *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *Memory) ListOpenInstances(ctx context.Context) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []*models.Instance
	for _, inst := range m.instances {
		if inst.StopTime == nil && !inst.Terminal {
			open = append(open, copyInstance(inst))
		}
	}
	return open, nil
}

// Instance returns a snapshot of one persisted instance record.
func (m *Memory) Instance(id string) (*models.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, false
	}
	return copyInstance(inst), true
}

func (m *Memory) BeginCycle(ctx context.Context) (CycleTx, error) {
	return &memoryCycle{
		store:     m,
		pending:   make(map[string]int64),
		instances: make(map[string]*models.Instance),
	}, nil
}

// memoryCycle buffers one cycle's mutations and applies them atomically on
// Commit under the store lock.
type memoryCycle struct {
	store     *Memory
	pending   map[string]int64
	instances map[string]*models.Instance
	done      bool
}

func (c *memoryCycle) Charge(ctx context.Context, owner string, amount int64) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	acct, ok := c.store.accounts[owner]
	if !ok {
		return ErrNoSuchAccount
	}
	if acct.MaxCredits != nil && acct.UsedCredits+c.store.reserved[owner]+amount > *acct.MaxCredits {
		return ErrInsufficientCredit
	}
	c.store.reserved[owner] += amount
	c.pending[owner] += amount
	return nil
}

func (c *memoryCycle) ChargeWithOverdraft(ctx context.Context, owner string, amount int64) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.accounts[owner]; !ok {
		return ErrNoSuchAccount
	}
	c.store.reserved[owner] += amount
	c.pending[owner] += amount
	return nil
}

func (c *memoryCycle) SaveInstance(ctx context.Context, inst *models.Instance) error {
	c.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (c *memoryCycle) Commit(ctx context.Context) error {
	if c.done {
		return errors.New("cycle transaction already finished")
	}
	c.done = true

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for owner, amount := range c.pending {
		c.store.releaseReservedLocked(owner, amount)
		if acct, ok := c.store.accounts[owner]; ok {
			acct.UsedCredits += amount
			acct.UpdatedAt = time.Now().UTC()
		}
	}
	for id, inst := range c.instances {
		c.store.instances[id] = inst
	}
	return nil
}

func (c *memoryCycle) Rollback(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for owner, amount := range c.pending {
		c.store.releaseReservedLocked(owner, amount)
	}
	return nil
}

func (m *Memory) releaseReservedLocked(owner string, amount int64) {
	m.reserved[owner] -= amount
	if m.reserved[owner] <= 0 {
		delete(m.reserved, owner)
	}
}

func (m *Memory) chargeLocked(owner string, amount int64, overdraft bool) error {
	acct, ok := m.accounts[owner]
	if !ok {
		return ErrNoSuchAccount
	}
	if !overdraft && acct.MaxCredits != nil && acct.UsedCredits+m.reserved[owner]+amount > *acct.MaxCredits {
		return ErrInsufficientCredit
	}
	acct.UsedCredits += amount
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func copyInstance(inst *models.Instance) *models.Instance {
	cp := *inst
	if inst.StopTime != nil {
		stop := *inst.StopTime
		cp.StopTime = &stop
	}
	return &cp
}
