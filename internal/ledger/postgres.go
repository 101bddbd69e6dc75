package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/metering-plane/pkg/database"
	"github.com/crosslogic/metering-plane/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same
// statements serve single operations and cycle transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by PostgreSQL.
type Postgres struct {
	db     *database.Database
	logger *zap.Logger
}

// NewPostgres creates a Postgres-backed ledger store.
func NewPostgres(db *database.Database, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) IsValidAccount(ctx context.Context, owner string) (bool, error) {
	var exists bool
	err := p.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE owner = $1)`, owner,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
	return exists, nil
}

func (p *Postgres) Account(ctx context.Context, owner string) (*models.Account, error) {
	var acct models.Account
	err := p.db.Pool.QueryRow(ctx, `
		SELECT owner, used_credits, max_credits, created_at, updated_at
		FROM accounts
		WHERE owner = $1
	`, owner).Scan(&acct.Owner, &acct.UsedCredits, &acct.MaxCredits, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSuchAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acct, nil
}

func (p *Postgres) PutAccount(ctx context.Context, account *models.Account) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO accounts (owner, used_credits, max_credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner) DO UPDATE SET
			used_credits = EXCLUDED.used_credits,
			max_credits = EXCLUDED.max_credits,
			updated_at = NOW()
	`, account.Owner, account.UsedCredits, account.MaxCredits)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (p *Postgres) Charge(ctx context.Context, owner string, amount int64) error {
	return charge(ctx, p.db.Pool, owner, amount)
}

func (p *Postgres) ChargeWithOverdraft(ctx context.Context, owner string, amount int64) error {
	return chargeWithOverdraft(ctx, p.db.Pool, owner, amount)
}

func (p *Postgres) Credit(ctx context.Context, owner string, amount int64) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts
		SET used_credits = used_credits - $2, updated_at = NOW()
		WHERE owner = $1 AND used_credits >= $2
	`, owner, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return creditFailure(ctx, p.db.Pool, owner)
	}
	return nil
}

func (p *Postgres) SaveInstance(ctx context.Context, inst *models.Instance) error {
	return saveInstance(ctx, p.db.Pool, inst)
}

func (p *Postgres) ListOpenInstances(ctx context.Context) ([]*models.Instance, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT id, owner, resource_type, rate_per_hour, accumulated_charge,
			start_time, stop_time, terminal, created_at, updated_at
		FROM instances
		WHERE stop_time IS NULL AND NOT terminal
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open instances: %w", err)
	}
	defer rows.Close()

	var open []*models.Instance
	for rows.Next() {
		var inst models.Instance
		if err := rows.Scan(
			&inst.ID, &inst.Owner, &inst.ResourceType, &inst.RatePerHour,
			&inst.AccumulatedCharge, &inst.StartTime, &inst.StopTime,
			&inst.Terminal, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		open = append(open, &inst)
	}
	return open, rows.Err()
}

func (p *Postgres) BeginCycle(ctx context.Context) (CycleTx, error) {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cycle transaction: %w", err)
	}
	return &postgresCycle{tx: tx}, nil
}

// postgresCycle runs one charge cycle's mutations inside a pgx transaction.
type postgresCycle struct {
	tx pgx.Tx
}

func (c *postgresCycle) Charge(ctx context.Context, owner string, amount int64) error {
	return charge(ctx, c.tx, owner, amount)
}

func (c *postgresCycle) ChargeWithOverdraft(ctx context.Context, owner string, amount int64) error {
	return chargeWithOverdraft(ctx, c.tx, owner, amount)
}

func (c *postgresCycle) SaveInstance(ctx context.Context, inst *models.Instance) error {
	return saveInstance(ctx, c.tx, inst)
}

func (c *postgresCycle) Commit(ctx context.Context) error {
	return c.tx.Commit(ctx)
}

func (c *postgresCycle) Rollback(ctx context.Context) error {
	return c.tx.Rollback(ctx)
}

// charge debits only if the account stays within its limit. The guard and
// the debit are one statement, so concurrent callers cannot interleave a
// partial debit.
func charge(ctx context.Context, q querier, owner string, amount int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET used_credits = used_credits + $2, updated_at = NOW()
		WHERE owner = $1
			AND (max_credits IS NULL OR used_credits + $2 <= max_credits)
	`, owner, amount)
	if err != nil {
		return fmt.Errorf("failed to charge account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE owner = $1)`, owner,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up account: %w", err)
		}
		if !exists {
			return ErrNoSuchAccount
		}
		return ErrInsufficientCredit
	}
	return nil
}

func chargeWithOverdraft(ctx context.Context, q querier, owner string, amount int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET used_credits = used_credits + $2, updated_at = NOW()
		WHERE owner = $1
	`, owner, amount)
	if err != nil {
		return fmt.Errorf("failed to charge account with overdraft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchAccount
	}
	return nil
}

func creditFailure(ctx context.Context, q querier, owner string) error {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE owner = $1)`, owner,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up account: %w", err)
	}
	if !exists {
		return ErrNoSuchAccount
	}
	return ErrInsufficientCredit
}

func saveInstance(ctx context.Context, q querier, inst *models.Instance) error {
	_, err := q.Exec(ctx, `
		INSERT INTO instances (
			id, owner, resource_type, rate_per_hour, accumulated_charge,
			start_time, stop_time, terminal
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			accumulated_charge = EXCLUDED.accumulated_charge,
			stop_time = EXCLUDED.stop_time,
			terminal = EXCLUDED.terminal,
			updated_at = NOW()
	`,
		inst.ID, inst.Owner, inst.ResourceType, inst.RatePerHour,
		inst.AccumulatedCharge, inst.StartTime, inst.StopTime, inst.Terminal,
	)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}
