package ingest

import (
	"context"
	"database/sql/driver"
	"io"
	"net"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"rail-ingest/trainindex"
)

// Outcome is the terminal state of one update.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDuplicate
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// ErrDuplicateEvent reports that the ledger already holds the event id.
var ErrDuplicateEvent = errors.New("event already processed")

// ValidationError is a malformed update. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Msg
}

// TransientError marks a store fault that may succeed on a later attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient store error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a store fault that will fail the same way again.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent store error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ClassifyStoreError wraps err as TransientError or PermanentError where the
// driver error says so. Unrecognised errors come back unchanged.
func ClassifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	var pe *PermanentError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}
	switch {
	case isTransient(err):
		return &TransientError{Err: err}
	case isPermanent(err):
		return &PermanentError{Err: err}
	}
	return err
}

// OutcomeOf maps an error from the pipeline onto the outcome taxonomy.
// Errors nobody recognises are retried once.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrDuplicateEvent) {
		return OutcomeDuplicate
	}
	var iverr *trainindex.ValidationError
	var verr *ValidationError
	if errors.As(err, &iverr) || errors.As(err, &verr) {
		return OutcomeTerminal
	}
	switch err := ClassifyStoreError(err); {
	case errors.As(err, new(*TransientError)):
		return OutcomeRetryable
	case errors.As(err, new(*PermanentError)):
		return OutcomeTerminal
	}
	return OutcomeRetryable
}

type sqliteCoder interface {
	Code() int
}

// primary result codes, see sqlite3.h
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteFull       = 13
	sqliteTooBig     = 18
	sqliteConstraint = 19
	sqliteMismatch   = 20
)

func pgClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.LockNotAvailable {
			return true
		}
		switch pgClass(pgErr.Code) {
		case pgClass(pgerrcode.ConnectionException),
			pgClass(pgerrcode.TransactionRollback),
			pgClass(pgerrcode.InsufficientResources),
			pgClass(pgerrcode.OperatorIntervention):
			return true
		}
		return false
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, // too many connections
			1205, // lock wait timeout
			1213: // deadlock
			return true
		}
		return false
	}
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return true
	}

	var lite sqliteCoder
	if errors.As(err, &lite) {
		switch lite.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}

func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgClass(pgErr.Code) {
		case pgClass(pgerrcode.DataException),
			pgClass(pgerrcode.IntegrityConstraintViolation),
			pgClass(pgerrcode.SyntaxErrorOrAccessRuleViolation):
			return true
		}
		return false
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1048, // column cannot be null
			1062, // duplicate entry
			1264, // out of range
			1292, // incorrect datetime
			1366, // incorrect value
			1406, // data too long
			1451, 1452: // foreign key
			return true
		}
		return false
	}

	var lite sqliteCoder
	if errors.As(err, &lite) {
		switch lite.Code() & 0xff {
		case sqliteConstraint, sqliteMismatch, sqliteTooBig, sqliteFull:
			return true
		}
	}
	return false
}
