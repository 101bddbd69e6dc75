// Package ledger holds the account bookkeeping the metering engine bills
// against: prepaid credit balances, the atomic charge/credit/overdraft
// operations, and the persistence contract that couples account mutations
// with tracked-instance updates in one transaction.
package ledger

import (
	"context"
	"errors"

	"github.com/crosslogic/metering-plane/pkg/models"
)

// MicroCreditsPerCredit converts whole credits to the integral unit the
// ledger stores.
const MicroCreditsPerCredit int64 = 1_000_000

var (
	// ErrInsufficientCredit is the expected business failure of a normal
	// charge: applying it would push used credits past the account limit.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrNoSuchAccount is returned for operations against an owner the
	// ledger does not know.
	ErrNoSuchAccount = errors.New("no such account")
)

// Accountant is the charge surface the metering engine needs from any
// policy or storage backend.
type Accountant interface {
	// IsValidAccount reports whether the owner exists in the ledger.
	IsValidAccount(ctx context.Context, owner string) (bool, error)

	// Charge atomically debits the account. Fails with
	// ErrInsufficientCredit without any partial debit if the amount
	// would exceed the account limit.
	Charge(ctx context.Context, owner string, amount int64) error

	// ChargeWithOverdraft debits unconditionally; the balance may go
	// past its limit. Used only when a normal charge already failed and
	// the instance must be billed regardless.
	ChargeWithOverdraft(ctx context.Context, owner string, amount int64) error

	// Credit refunds a prior charge. Fails with ErrInsufficientCredit
	// if the account has less used credit than the refund.
	Credit(ctx context.Context, owner string, amount int64) error
}

// Store is the full persistence contract: the accountant operations plus
// tracked-instance records and cycle-scoped transactions.
type Store interface {
	Accountant

	// Account returns a snapshot of the account.
	Account(ctx context.Context, owner string) (*models.Account, error)

	// PutAccount provisions or replaces an account record.
	PutAccount(ctx context.Context, account *models.Account) error

	// SaveInstance upserts one tracked-instance record.
	SaveInstance(ctx context.Context, inst *models.Instance) error

	// ListOpenInstances returns every persisted instance with a null
	// stop time, i.e. believed running at last shutdown.
	ListOpenInstances(ctx context.Context) ([]*models.Instance, error)

	// BeginCycle opens a transaction scoped to one charge cycle. All
	// ledger mutations and instance writes inside it become durable
	// together or not at all.
	BeginCycle(ctx context.Context) (CycleTx, error)
}

// CycleTx is one charge cycle's transaction. Charge semantics match the
// Accountant operations of the same name.
type CycleTx interface {
	Charge(ctx context.Context, owner string, amount int64) error
	ChargeWithOverdraft(ctx context.Context, owner string, amount int64) error
	SaveInstance(ctx context.Context, inst *models.Instance) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
