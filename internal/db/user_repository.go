package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/wakegate/wakegate/internal/model"
)

// ErrInsufficientCredits is returned by Debit when the balance does not
// cover the requested amount. The balance is left untouched.
var ErrInsufficientCredits = errors.New("insufficient credits")

// UserRepository manages users and their credit ledger.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetByID loads a user by id.
// Returns nil, nil if the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT id, email, credits::text, is_admin, created_at
		 FROM users WHERE id = $1`, id))
}

// GetByEmail loads a user by email.
// Returns nil, nil if the user does not exist.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT id, email, credits::text, is_admin, created_at
		 FROM users WHERE email = $1`, email))
}

// Create inserts a new user with a zero balance.
func (r *UserRepository) Create(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	var credits string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email) VALUES ($1)
		 RETURNING id, email, credits::text, is_admin, created_at`, email,
	).Scan(&u.ID, &u.Email, &credits, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating user %q: %w", email, err)
	}
	u.Credits, err = decimal.NewFromString(credits)
	if err != nil {
		return nil, fmt.Errorf("parsing credits %q: %w", credits, err)
	}
	return &u, nil
}

// AddCredits atomically increments the balance and appends a DEPOSIT
// transaction. The user row is locked for the duration of the commit.
func (r *UserRepository) AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	return r.mutateBalance(ctx, userID, amount, model.TransactionDeposit, description)
}

// Debit atomically decrements the balance and appends a HOURLY_CHARGE
// transaction with a negative amount. Returns ErrInsufficientCredits
// without mutation if the balance does not cover the charge.
func (r *UserRepository) Debit(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("charge amount must be positive, got %s", amount)
	}
	return r.mutateBalance(ctx, userID, amount.Neg(), model.TransactionHourlyCharge, description)
}

// mutateBalance applies a signed delta to the balance and records the
// matching ledger entry in a single transaction.
func (r *UserRepository) mutateBalance(ctx context.Context, userID int64, delta decimal.Decimal, txType model.TransactionType, description string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance string
	err = tx.QueryRow(ctx,
		`SELECT credits::text FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %d not found", userID)
		}
		return fmt.Errorf("locking user %d: %w", userID, err)
	}

	current, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("parsing balance %q: %w", balance, err)
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientCredits
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits = $1::numeric WHERE id = $2`,
		next.String(), userID,
	); err != nil {
		return fmt.Errorf("updating balance for user %d: %w", userID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (user_id, amount, type, description)
		 VALUES ($1, $2::numeric, $3, $4)`,
		userID, delta.String(), string(txType), description,
	); err != nil {
		return fmt.Errorf("recording transaction for user %d: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing balance change for user %d: %w", userID, err)
	}
	return nil
}

// Transactions returns the ledger for a user, newest first.
func (r *UserRepository) Transactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount::text, type, timestamp, COALESCE(description, '')
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying transactions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, txType string
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &txType, &t.Timestamp, &t.Description); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
		}
		t.Type = model.TransactionType(txType)
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var credits string
	err := row.Scan(&u.ID, &u.Email, &credits, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Credits, err = decimal.NewFromString(credits)
	if err != nil {
		return nil, fmt.Errorf("parsing credits %q: %w", credits, err)
	}
	return &u, nil
}
