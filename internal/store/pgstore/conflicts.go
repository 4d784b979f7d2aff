package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	constraintEntryIdempotency         = "uniq_credit_entries_user_idempotency"
	constraintPurchasePaymentReference = "uniq_credit_purchases_payment_reference"
	constraintRefundResource           = "uniq_credit_refunds_resource"
	constraintReservationPrimary       = "credit_reservations_pkey"

	pgUniqueViolationCode  = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
}

func isTransientFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
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
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func wrapStoreError(subject string, code string, err error) error {
	if !credits.IsTransient(err) && isTransientFailure(err) {
		err = credits.TransientError(err)
	}
	return credits.WrapError(errorOperationStore, subject, code, err)
}
