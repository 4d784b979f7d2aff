package gormstore

import (
	"context"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	constraintEntryIdempotency         = "uniq_credit_entries_user_idempotency"
	constraintPurchasePaymentReference = "uniq_credit_purchases_payment_reference"
	constraintRefundResource           = "uniq_credit_refunds_resource"
	constraintReservationPrimary       = "credit_reservations_pkey"

	pgUniqueViolationCode          = "23505"
	pgSerializationFailure         = "40001"
	pgDeadlockDetected             = "40P01"
	pgLockNotAvailable             = "55P03"
	sqliteConstraintPrimaryKeyCode = 1555
	sqliteConstraintUniqueCode     = 2067
	sqliteBusyCode                 = 5
	sqliteLockedCode               = 6
	sqlitePrimaryResultMask        = 0xFF
)

// isUniqueViolation reports whether err is a unique violation of constraint.
// SQLite does not report constraint names, so any unique or primary key failure matches there.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteConstraintUniqueCode, sqliteConstraintPrimaryKeyCode:
			return true
		}
		return false
	}
	return false
}

// isTransientFailure recognizes failures that succeed when the transaction is retried.
func isTransientFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & sqlitePrimaryResultMask {
		case sqliteBusyCode, sqliteLockedCode:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
