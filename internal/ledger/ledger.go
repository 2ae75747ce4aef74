// Package ledger implements the wallet ledger: an append-only
// transaction log plus a current-balance projection per user.
//
// All mutations go through the atomic operations on Ledger; wallet rows
// are never written directly. Operations for the same user are
// serialized by a per-user lock held around the SQLite transaction;
// operations for different users proceed concurrently.
//
// Amounts are fixed-point decimals (shopspring/decimal) stored as exact
// strings. Floats never touch money.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var (
	// ErrInsufficientFunds is not an exceptional condition: it is the
	// expected trigger for the kill-switch path in the billing
	// coordinator.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	// ErrWalletNotFound means no wallet row exists for the user.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrReservationNotFound means the reservation token is unknown.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrLedgerCorrupt means the transaction log no longer reconstructs
	// the balance projection. Mutation for the affected user must halt
	// until manual reconciliation.
	ErrLedgerCorrupt = errors.New("ledger corrupt: transactions do not reconstruct balance")

	// ErrUserFrozen is returned for all mutations after corruption has
	// been detected for a user.
	ErrUserFrozen = errors.New("user frozen pending reconciliation")
)

// Transaction types. Credit, debit and refund move balance; reservation
// and release only move the reserved earmark.
const (
	TxCredit      = "credit"
	TxDebit       = "debit"
	TxReservation = "reservation"
	TxRelease     = "release"
	TxRefund      = "refund"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
    user_id    TEXT PRIMARY KEY,
    balance    TEXT NOT NULL DEFAULT '0',
    reserved   TEXT NOT NULL DEFAULT '0',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS transactions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    job_id        TEXT,
    type          TEXT NOT NULL,
    amount        TEXT NOT NULL,
    tick_seq      INTEGER,
    external_ref  TEXT,
    balance_after TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    seq           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_user ON transactions(user_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_job_tick
    ON transactions(job_id, tick_seq) WHERE type = 'debit';
CREATE TABLE IF NOT EXISTS reservations (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    job_id     TEXT NOT NULL,
    amount     TEXT NOT NULL,
    remaining  TEXT NOT NULL,
    released   INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_res_job ON reservations(job_id) WHERE released = 0;
`

// Tx is one immutable row of the audit trail. Amount is signed: credits
// and refunds are positive, debits negative. Reservation and release
// rows record the earmarked amount but do not affect balance.
type Tx struct {
	ID           string
	UserID       string
	JobID        string
	Type         string
	Amount       decimal.Decimal
	TickSeq      int64
	ExternalRef  string
	BalanceAfter decimal.Decimal
	CreatedAt    time.Time
	Seq          int64
}

// Wallet is a read-only snapshot of the balance projection.
type Wallet struct {
	UserID    string
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Available is the balance not earmarked for active jobs.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Reserved)
}

// Ledger provides atomic wallet operations over SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	// locks serializes mutations per user
	locks sync.Map // user_id -> *sync.Mutex

	// frozen users are rejected until manual reconciliation
	frozenMu sync.Mutex
	frozen   map[string]bool

	// seq assigns a per-process monotonic order to transactions;
	// restored from the max stored value at open
	seqMu sync.Mutex
	seq   int64
}

// Open opens (or creates) the ledger database at dbPath and runs
// migrations. The same file may also hold the job record store.
func Open(dbPath string, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	// WAL mode keeps dashboard reads from blocking billing writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run ledger migrations: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
		frozen: make(map[string]bool),
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRow("SELECT MAX(seq) FROM transactions").Scan(&maxSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("restore tx sequence: %w", err)
	}
	l.seq = maxSeq.Int64

	return l, nil
}

// DB exposes the underlying handle so the job record store can share
// the same database file.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (l *Ledger) isFrozen(userID string) bool {
	l.frozenMu.Lock()
	defer l.frozenMu.Unlock()
	return l.frozen[userID]
}

func (l *Ledger) freeze(userID string, cause error) {
	l.frozenMu.Lock()
	l.frozen[userID] = true
	l.frozenMu.Unlock()
	l.logger.Error("MONEY CORRECTNESS VIOLATION: freezing user wallet",
		"user_id", userID, "cause", cause)
}

func (l *Ledger) nextSeq() int64 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	l.seq++
	return l.seq
}

// CreateWallet creates a zero-balance wallet if one does not exist.
func (l *Ledger) CreateWallet(ctx context.Context, userID string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO wallets (user_id) VALUES (?)`, userID)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

// Wallet returns the current balance projection for a user.
func (l *Ledger) Wallet(ctx context.Context, userID string) (Wallet, error) {
	var w Wallet
	var balance, reserved, updatedAt string
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id, balance, reserved, updated_at FROM wallets WHERE user_id = ?`,
		userID).Scan(&w.UserID, &balance, &reserved, &updatedAt)
	if err == sql.ErrNoRows {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if w.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Wallet{}, fmt.Errorf("parse reserved: %w", err)
	}
	if t, err := time.Parse("2006-01-02 15:04:05", updatedAt); err == nil {
		w.UpdatedAt = t
	}
	return w, nil
}

// Spendable is what a job may still draw on: the wallet's unearmarked
// balance plus the remainder of the job's own reservation. It applies
// the same funds rule as Debit.
func (l *Ledger) Spendable(ctx context.Context, userID, jobID string) (decimal.Decimal, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var out decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		remaining, err := reservationRemaining(ctx, tx, jobID)
		if err != nil {
			return err
		}
		out = w.Available().Add(remaining)
		return nil
	})
	return out, err
}

// Credit adds funds to a wallet (top-up). externalRef ties the credit to
// the out-of-scope payment gateway's reference.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, externalRef string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if l.isFrozen(userID) {
		return decimal.Zero, ErrUserFrozen
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var newBalance decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBalance = w.Balance.Add(amount)
		if err := updateWallet(ctx, tx, userID, newBalance, w.Reserved); err != nil {
			return err
		}
		return l.appendTx(ctx, tx, Tx{
			UserID:       userID,
			Type:         TxCredit,
			Amount:       amount,
			ExternalRef:  externalRef,
			BalanceAfter: newBalance,
		})
	})
	if err != nil {
		return decimal.Zero, err
	}

	l.logger.Info("wallet credited",
		"user_id", userID, "amount", amount.String(), "balance", newBalance.String())
	return newBalance, nil
}

// Reserve earmarks funds for a job, guaranteeing a minimum runnable
// duration. Fails with ErrInsufficientFunds if the available balance
// (balance minus existing reservations) does not cover the amount.
// Returns an opaque reservation token for Release.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	if l.isFrozen(userID) {
		return "", ErrUserFrozen
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	token := uuid.NewString()
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Available().LessThan(amount) {
			return ErrInsufficientFunds
		}
		newReserved := w.Reserved.Add(amount)
		if err := updateWallet(ctx, tx, userID, w.Balance, newReserved); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (id, user_id, job_id, amount, remaining, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			token, userID, jobID, amount.String(), amount.String(),
			time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return l.appendTx(ctx, tx, Tx{
			UserID:       userID,
			JobID:        jobID,
			Type:         TxReservation,
			Amount:       amount,
			BalanceAfter: w.Balance,
		})
	})
	if err != nil {
		return "", err
	}

	l.logger.Info("funds reserved",
		"user_id", userID, "job_id", jobID, "amount", amount.String())
	return token, nil
}

// Debit charges a wallet for one billing tick. The (jobID, tickSeq)
// pair makes the operation idempotent: a repeated debit for the same
// tick returns the balance recorded by the first application and does
// not reapply. A standing reservation for the job is consumed first so
// a job can always spend what was earmarked for it, but never another
// job's earmark.
func (l *Ledger) Debit(ctx context.Context, userID, jobID string, tickSeq int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if l.isFrozen(userID) {
		return decimal.Zero, ErrUserFrozen
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var newBalance decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		// Replay of an already-billed tick is a no-op returning the
		// prior result, even across controller restarts.
		var prior string
		err := tx.QueryRowContext(ctx,
			`SELECT balance_after FROM transactions
			 WHERE job_id = ? AND tick_seq = ? AND type = 'debit'`,
			jobID, tickSeq).Scan(&prior)
		if err == nil {
			newBalance, err = decimal.NewFromString(prior)
			return err
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check duplicate tick: %w", err)
		}

		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		consumable, err := reservationRemaining(ctx, tx, jobID)
		if err != nil {
			return err
		}

		// Funds earmarked for other jobs are off limits.
		if w.Available().Add(consumable).LessThan(amount) {
			return ErrInsufficientFunds
		}

		consume := decimal.Min(consumable, amount)
		newBalance = w.Balance.Sub(amount)
		newReserved := w.Reserved.Sub(consume)
		if newBalance.IsNegative() || newReserved.IsNegative() {
			// Unreachable given the checks above; treat as corruption.
			return ErrLedgerCorrupt
		}
		if err := updateWallet(ctx, tx, userID, newBalance, newReserved); err != nil {
			return err
		}
		if consume.IsPositive() {
			if err := consumeReservation(ctx, tx, jobID, consume); err != nil {
				return err
			}
		}
		return l.appendTx(ctx, tx, Tx{
			UserID:       userID,
			JobID:        jobID,
			Type:         TxDebit,
			Amount:       amount.Neg(),
			TickSeq:      tickSeq,
			BalanceAfter: newBalance,
		})
	})
	if errors.Is(err, ErrLedgerCorrupt) {
		l.freeze(userID, err)
		return decimal.Zero, err
	}
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Release returns the unused remainder of a reservation to the
// available balance. Safe to call twice; the second call is a no-op.
func (l *Ledger) Release(ctx context.Context, token string) (decimal.Decimal, error) {
	var userID, jobID string
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id, job_id FROM reservations WHERE id = ?`, token).
		Scan(&userID, &jobID)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrReservationNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query reservation: %w", err)
	}
	if l.isFrozen(userID) {
		return decimal.Zero, ErrUserFrozen
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var released decimal.Decimal
	err = l.inTx(ctx, func(tx *sql.Tx) error {
		var remaining string
		var done int
		err := tx.QueryRowContext(ctx,
			`SELECT remaining, released FROM reservations WHERE id = ?`, token).
			Scan(&remaining, &done)
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}
		if done == 1 {
			released = decimal.Zero
			return nil
		}
		released, err = decimal.NewFromString(remaining)
		if err != nil {
			return fmt.Errorf("parse remaining: %w", err)
		}

		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		newReserved := w.Reserved.Sub(released)
		if newReserved.IsNegative() {
			return ErrLedgerCorrupt
		}
		if err := updateWallet(ctx, tx, userID, w.Balance, newReserved); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET remaining = '0', released = 1 WHERE id = ?`,
			token); err != nil {
			return fmt.Errorf("close reservation: %w", err)
		}
		return l.appendTx(ctx, tx, Tx{
			UserID:       userID,
			JobID:        jobID,
			Type:         TxRelease,
			Amount:       released,
			BalanceAfter: w.Balance,
		})
	})
	if errors.Is(err, ErrLedgerCorrupt) {
		l.freeze(userID, err)
		return decimal.Zero, err
	}
	if err != nil {
		return decimal.Zero, err
	}

	if released.IsPositive() {
		l.logger.Info("reservation released",
			"user_id", userID, "job_id", jobID, "amount", released.String())
	}
	return released, nil
}

// Refund returns funds to a wallet outside the normal release path, for
// system-error compensation.
func (l *Ledger) Refund(ctx context.Context, userID, jobID string, amount decimal.Decimal, reason string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if l.isFrozen(userID) {
		return decimal.Zero, ErrUserFrozen
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var newBalance decimal.Decimal
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBalance = w.Balance.Add(amount)
		if err := updateWallet(ctx, tx, userID, newBalance, w.Reserved); err != nil {
			return err
		}
		return l.appendTx(ctx, tx, Tx{
			UserID:       userID,
			JobID:        jobID,
			Type:         TxRefund,
			Amount:       amount,
			ExternalRef:  reason,
			BalanceAfter: newBalance,
		})
	})
	if err != nil {
		return decimal.Zero, err
	}

	l.logger.Info("wallet refunded",
		"user_id", userID, "job_id", jobID, "amount", amount.String(), "reason", reason)
	return newBalance, nil
}

// History returns the user's transactions in append order, newest last.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Tx, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(job_id, ''), type, amount,
		        COALESCE(tick_seq, 0), COALESCE(external_ref, ''),
		        balance_after, created_at, seq
		 FROM transactions WHERE user_id = ? ORDER BY seq ASC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var txs []Tx
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Reconcile replays the transaction log for a user and verifies it
// reconstructs the balance projection exactly. On mismatch the user is
// frozen and ErrLedgerCorrupt returned.
func (l *Ledger) Reconcile(ctx context.Context, userID string) error {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT type, amount FROM transactions WHERE user_id = ? ORDER BY seq ASC`,
		userID)
	if err != nil {
		return fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var txType, amountStr string
		if err := rows.Scan(&txType, &amountStr); err != nil {
			return fmt.Errorf("scan transaction: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		switch txType {
		case TxCredit, TxDebit, TxRefund:
			// Debits are stored negative, so a plain sum reconstructs
			// the balance. Reservation and release rows only move the
			// earmark projection.
			sum = sum.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !sum.Equal(w.Balance) {
		err := fmt.Errorf("%w: user %s sum=%s balance=%s",
			ErrLedgerCorrupt, userID, sum.String(), w.Balance.String())
		l.freeze(userID, err)
		return err
	}
	return nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (l *Ledger) appendTx(ctx context.Context, tx *sql.Tx, t Tx) error {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	t.Seq = l.nextSeq()

	var jobID, tickSeq any
	if t.JobID != "" {
		jobID = t.JobID
	}
	if t.Type == TxDebit {
		tickSeq = t.TickSeq
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, user_id, job_id, type, amount, tick_seq, external_ref, balance_after, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, jobID, t.Type, t.Amount.String(), tickSeq,
		t.ExternalRef, t.BalanceAfter.String(),
		t.CreatedAt.Format(time.RFC3339Nano), t.Seq)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func lockWallet(ctx context.Context, tx *sql.Tx, userID string) (Wallet, error) {
	var w Wallet
	var balance, reserved string
	err := tx.QueryRowContext(ctx,
		`SELECT balance, reserved FROM wallets WHERE user_id = ?`, userID).
		Scan(&balance, &reserved)
	if err == sql.ErrNoRows {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("read wallet: %w", err)
	}
	w.UserID = userID
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if w.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return Wallet{}, fmt.Errorf("parse reserved: %w", err)
	}
	return w, nil
}

func updateWallet(ctx context.Context, tx *sql.Tx, userID string, balance, reserved decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, reserved = ?, updated_at = datetime('now')
		 WHERE user_id = ?`,
		balance.String(), reserved.String(), userID)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

func reservationRemaining(ctx context.Context, tx *sql.Tx, jobID string) (decimal.Decimal, error) {
	var remaining string
	err := tx.QueryRowContext(ctx,
		`SELECT remaining FROM reservations WHERE job_id = ? AND released = 0`,
		jobID).Scan(&remaining)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read reservation: %w", err)
	}
	return decimal.NewFromString(remaining)
}

func consumeReservation(ctx context.Context, tx *sql.Tx, jobID string, consume decimal.Decimal) error {
	var id, remaining string
	err := tx.QueryRowContext(ctx,
		`SELECT id, remaining FROM reservations WHERE job_id = ? AND released = 0`,
		jobID).Scan(&id, &remaining)
	if err != nil {
		return fmt.Errorf("read reservation: %w", err)
	}
	rem, err := decimal.NewFromString(remaining)
	if err != nil {
		return fmt.Errorf("parse remaining: %w", err)
	}
	newRem := rem.Sub(consume)
	if newRem.IsNegative() {
		return ErrLedgerCorrupt
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET remaining = ? WHERE id = ?`,
		newRem.String(), id); err != nil {
		return fmt.Errorf("consume reservation: %w", err)
	}
	return nil
}

func scanTx(rows *sql.Rows) (Tx, error) {
	var t Tx
	var amount, balanceAfter, createdAt string
	if err := rows.Scan(&t.ID, &t.UserID, &t.JobID, &t.Type, &amount,
		&t.TickSeq, &t.ExternalRef, &balanceAfter, &createdAt, &t.Seq); err != nil {
		return Tx{}, fmt.Errorf("scan transaction: %w", err)
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Tx{}, fmt.Errorf("parse amount: %w", err)
	}
	if t.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return Tx{}, fmt.Errorf("parse balance_after: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	return t, nil
}
