// Package store persists execution requests and their outcome.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/opexlabs/opex-node/bundle"
)

var (
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrExecutionNotUpdated = errors.New("execution is unknown or already terminal")
)

type DBExecution struct {
	RequestID    string         `db:"request_id"`
	BundleID     sql.NullString `db:"bundle_id"`
	Signer       []byte         `db:"signer"`
	OriginID     sql.NullString `db:"origin_id"`
	HighPriority bool           `db:"high_priority"`
	SimulateOnly bool           `db:"simulate_only"`
	WatchAccount sql.NullString `db:"watch_account"`
	MaxSlot      int64          `db:"max_slot"`
	TxCount      int            `db:"tx_count"`
	// json encoded list of base64 transactions
	Body       []byte         `db:"body"`
	Status     string         `db:"status"`
	Slot       sql.NullInt64  `db:"slot"`
	SimSuccess sql.NullBool   `db:"sim_success"`
	SimError   sql.NullString `db:"sim_error"`
	Error      sql.NullString `db:"error"`
	Attempts   int            `db:"attempts"`
	ReceivedAt time.Time      `db:"received_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
	InsertedAt time.Time      `db:"inserted_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// ExecutionUpdate carries the fields a worker learns while executing a request.
// Zero values leave the stored column untouched.
type ExecutionUpdate struct {
	RequestID  string
	Status     bundle.Status
	BundleID   string
	Slot       uint64
	SimSuccess *bool
	SimError   string
	Error      string
	Attempt    int
}

var insertExecutionQuery = `
INSERT INTO opex_execution (request_id, signer, origin_id, high_priority, simulate_only, watch_account,
                            max_slot, tx_count, body, status, received_at)
VALUES (:request_id, :signer, :origin_id, :high_priority, :simulate_only, :watch_account,
        :max_slot, :tx_count, :body, :status, :received_at)
ON CONFLICT (request_id) DO NOTHING
RETURNING request_id`

// a terminal row keeps its status, only its outcome may still be filled in
var updateExecutionQuery = `
UPDATE opex_execution
SET status      = :status,
    bundle_id   = COALESCE(:bundle_id, bundle_id),
    slot        = COALESCE(:slot, slot),
    sim_success = COALESCE(:sim_success, sim_success),
    sim_error   = COALESCE(:sim_error, sim_error),
    error       = COALESCE(:error, error),
    attempts    = GREATEST(attempts, :attempts),
    finished_at = COALESCE(:finished_at, finished_at),
    updated_at  = now()
WHERE request_id = :request_id
  AND (status NOT IN ('simulated_failed', 'finalized', 'failed') OR status = :status)
RETURNING request_id`

var getExecutionQuery = `SELECT * FROM opex_execution WHERE request_id = $1`

type DBBackend struct {
	db *sqlx.DB

	insertExecution *sqlx.NamedStmt
	updateExecution *sqlx.NamedStmt
	getExecution    *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertExecution, err := db.PrepareNamed(insertExecutionQuery)
	if err != nil {
		return nil, err
	}
	updateExecution, err := db.PrepareNamed(updateExecutionQuery)
	if err != nil {
		return nil, err
	}
	getExecution, err := db.Preparex(getExecutionQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:              db,
		insertExecution: insertExecution,
		updateExecution: updateExecution,
		getExecution:    getExecution,
	}, nil
}

// InsertExecution stores a new request. known is true if the request id was stored before,
// the stored row is left as is in that case.
func (b *DBBackend) InsertExecution(ctx context.Context, execution *DBExecution) (known bool, err error) {
	if execution.Status == "" {
		execution.Status = bundle.StatusNotSubmitted.String()
	}
	var requestID string
	err = b.insertExecution.GetContext(ctx, &requestID, execution)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

type dbExecutionUpdate struct {
	RequestID  string         `db:"request_id"`
	Status     string         `db:"status"`
	BundleID   sql.NullString `db:"bundle_id"`
	Slot       sql.NullInt64  `db:"slot"`
	SimSuccess sql.NullBool   `db:"sim_success"`
	SimError   sql.NullString `db:"sim_error"`
	Error      sql.NullString `db:"error"`
	Attempts   int            `db:"attempts"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

func (b *DBBackend) UpdateExecution(ctx context.Context, update ExecutionUpdate) error {
	row := dbExecutionUpdate{
		RequestID: update.RequestID,
		Status:    update.Status.String(),
		BundleID:  sql.NullString{String: update.BundleID, Valid: update.BundleID != ""},
		Slot:      sql.NullInt64{Int64: int64(update.Slot), Valid: update.Slot != 0},
		SimError:  sql.NullString{String: update.SimError, Valid: update.SimError != ""},
		Error:     sql.NullString{String: update.Error, Valid: update.Error != ""},
		Attempts:  update.Attempt,
	}
	if update.SimSuccess != nil {
		row.SimSuccess = sql.NullBool{Bool: *update.SimSuccess, Valid: true}
	}
	if update.Status.IsTerminal() {
		row.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	var requestID string
	err := b.updateExecution.GetContext(ctx, &requestID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExecutionNotUpdated
	}
	return err
}

func (b *DBBackend) GetExecution(ctx context.Context, requestID string) (*DBExecution, error) {
	var execution DBExecution
	err := b.getExecution.GetContext(ctx, &execution, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	} else if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
