package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectPurchase    = "purchase"
	errorSubjectRefund      = "refund"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorCodeAdd            = "add"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeCreate         = "create"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeExpire         = "expire"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeReset          = "reset"
	errorCodeUpdateStatus   = "update_status"
	errorCodeUsage          = "usage"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries holds the statements shared by Store and TxStore.
type queries struct {
	db dbtx
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *queries) LockAccount(ctx context.Context, userID credits.UserID) (credits.Account, bool, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sqlSelectAccountForUpdate, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, false, nil
	}
	if err != nil {
		return credits.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return account, true, nil
}

func (store *queries) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sqlSelectAccount, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *queries) CreateAccount(ctx context.Context, account credits.Account) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertAccount,
		account.UserID.String(),
		account.MonthlyCredits,
		account.PurchasedCredits,
		account.CreditsUsedThisMonth,
		account.TotalCreditsUsed,
		account.LastResetUnixUTC,
		account.CreatedUnixUTC,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *queries) ResetAccount(ctx context.Context, userID credits.UserID, monthlyCredits int64, resetAtUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlResetAccount, userID.String(), monthlyCredits, resetAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeReset, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeReset, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *queries) DebitCredit(ctx context.Context, userID credits.UserID, pool credits.CreditPool, recordUsage bool) error {
	var statement string
	switch {
	case pool == credits.CreditPoolMonthly && recordUsage:
		statement = sqlDebitMonthlyWithUsage
	case pool == credits.CreditPoolMonthly:
		statement = sqlDebitMonthly
	case pool == credits.CreditPoolPurchased && recordUsage:
		statement = sqlDebitPurchasedWithUsage
	case pool == credits.CreditPoolPurchased:
		statement = sqlDebitPurchased
	default:
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, fmt.Errorf("%w: %q", credits.ErrInvalidCreditPool, pool))
	}
	tag, err := store.db.Exec(ctx, statement, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, credits.ErrInsufficientCredits)
	}
	return nil
}

func (store *queries) AddCredits(ctx context.Context, userID credits.UserID, pool credits.CreditPool, amount int64) error {
	if amount <= 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, fmt.Errorf("%w: must be > 0", credits.ErrInvalidCreditAmount))
	}
	var statement string
	switch pool {
	case credits.CreditPoolMonthly:
		statement = sqlAddMonthly
	case credits.CreditPoolPurchased:
		statement = sqlAddPurchased
	default:
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, fmt.Errorf("%w: %q", credits.ErrInvalidCreditPool, pool))
	}
	tag, err := store.db.Exec(ctx, statement, userID.String(), amount)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *queries) RecordUsage(ctx context.Context, userID credits.UserID, countThisMonth bool) error {
	statement := sqlRecordUsage
	if countThisMonth {
		statement = sqlRecordUsageThisMonth
	}
	tag, err := store.db.Exec(ctx, statement, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUsage, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUsage, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *queries) InsertEntry(ctx context.Context, entry credits.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.UserID.String(),
		entry.Type.String(),
		entry.Pool.String(),
		entry.Amount,
		entry.ReferenceID,
		entry.IdempotencyKey.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintEntryIdempotency) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *queries) ListEntries(ctx context.Context, userID credits.UserID, cursor credits.EntryCursor, limit int) ([]credits.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID.String(), cursor.BeforeUnixUTC, cursor.BeforeEntryID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *queries) CreatePurchase(ctx context.Context, purchase credits.Purchase) error {
	_, err := store.db.Exec(ctx, sqlInsertPurchase,
		purchase.PurchaseID,
		purchase.UserID.String(),
		purchase.PackID.String(),
		purchase.PriceCents,
		purchase.Credits,
		purchase.BonusCredits,
		purchase.TotalCredits,
		purchase.PaymentReference.String(),
		purchase.Status.String(),
		purchase.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintPurchasePaymentReference) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicatePaymentReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) GetPurchaseByPaymentReference(ctx context.Context, reference credits.PaymentReference, forUpdate bool) (credits.Purchase, error) {
	statement := sqlSelectPurchaseByReference
	if forUpdate {
		statement = sqlSelectPurchaseByReferenceForUpdate
	}
	purchase, err := scanPurchase(store.db.QueryRow(ctx, statement, reference.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, credits.ErrUnknownPurchase)
	}
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return purchase, nil
}

func (store *queries) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from []credits.PurchaseStatus, to credits.PurchaseStatus, atUnixUTC int64) error {
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, status.String())
	}
	tag, err := store.db.Exec(ctx, sqlUpdatePurchaseStatus, purchaseID, allowed, to.String(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, credits.ErrPurchaseAlreadyCompleted)
	}
	return nil
}

func (store *queries) ExpirePurchases(ctx context.Context, createdBeforeUnixUTC int64, atUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlExpirePurchases, createdBeforeUnixUTC, atUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPurchase, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func (store *queries) RefundExists(ctx context.Context, resourceID credits.ResourceID) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlRefundExists, resourceID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectRefund, errorCodeGet, err)
	}
	return exists, nil
}

func (store *queries) CountRefundsSince(ctx context.Context, userID credits.UserID, sinceUnixUTC int64) (int64, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountRefundsSince, userID.String(), sinceUnixUTC).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectRefund, errorCodeCount, err)
	}
	return count, nil
}

func (store *queries) CreateRefund(ctx context.Context, refund credits.Refund) error {
	_, err := store.db.Exec(ctx, sqlInsertRefund,
		refund.RefundID,
		refund.UserID.String(),
		refund.ResourceID.String(),
		refund.FeedbackID.String(),
		refund.Credits,
		refund.Reason,
		refund.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintRefundResource) {
		return wrapStoreError(errorSubjectRefund, errorCodeDuplicate, credits.ErrDuplicateRefund)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRefund, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.UserID.String(),
		reservation.ReservationID.String(),
		reservation.Pool.String(),
		reservation.Status.String(),
		reservation.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) GetReservation(ctx context.Context, userID credits.UserID, reservationID credits.ReservationID) (credits.Reservation, error) {
	var (
		userIDValue        string
		reservationIDValue string
		poolValue          string
		statusValue        string
		createdAtUnixUTC   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectReservation, userID.String(), reservationID.String()).
		Scan(&userIDValue, &reservationIDValue, &poolValue, &statusValue, &createdAtUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	pool, err := credits.ParseCreditPool(poolValue)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := credits.ParseReservationStatus(statusValue)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return credits.Reservation{
		UserID:         userID,
		ReservationID:  reservationID,
		Pool:           pool,
		Status:         status,
		CreatedUnixUTC: createdAtUnixUTC,
	}, nil
}

func (store *queries) UpdateReservationStatus(ctx context.Context, userID credits.UserID, reservationID credits.ReservationID, from, to credits.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, userID.String(), reservationID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationClosed)
	}
	return nil
}

func scanAccount(row pgx.Row) (credits.Account, error) {
	var (
		userIDValue string
		account     credits.Account
	)
	if err := row.Scan(
		&userIDValue,
		&account.MonthlyCredits,
		&account.PurchasedCredits,
		&account.CreditsUsedThisMonth,
		&account.TotalCreditsUsed,
		&account.LastResetUnixUTC,
		&account.CreatedUnixUTC,
	); err != nil {
		return credits.Account{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Account{}, err
	}
	account.UserID = userID
	return account, nil
}

func scanPurchase(row pgx.Row) (credits.Purchase, error) {
	var (
		purchase       credits.Purchase
		userIDValue    string
		packIDValue    string
		referenceValue string
		statusValue    string
	)
	if err := row.Scan(
		&purchase.PurchaseID,
		&userIDValue,
		&packIDValue,
		&purchase.PriceCents,
		&purchase.Credits,
		&purchase.BonusCredits,
		&purchase.TotalCredits,
		&referenceValue,
		&statusValue,
		&purchase.CreatedUnixUTC,
		&purchase.CompletedAtUnixUTC,
		&purchase.ExpiredAtUnixUTC,
	); err != nil {
		return credits.Purchase{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Purchase{}, err
	}
	packID, err := credits.NewPackID(packIDValue)
	if err != nil {
		return credits.Purchase{}, err
	}
	reference, err := credits.NewPaymentReference(referenceValue)
	if err != nil {
		return credits.Purchase{}, err
	}
	status, err := credits.ParsePurchaseStatus(statusValue)
	if err != nil {
		return credits.Purchase{}, err
	}
	purchase.UserID = userID
	purchase.PackID = packID
	purchase.PaymentReference = reference
	purchase.Status = status
	return purchase, nil
}

func scanEntries(rows pgx.Rows) ([]credits.Entry, error) {
	entries := make([]credits.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			userIDValue      string
			entryTypeValue   string
			poolValue        string
			amountValue      int64
			referenceValue   string
			idempotencyValue string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userIDValue,
			&entryTypeValue,
			&poolValue,
			&amountValue,
			&referenceValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		userID, err := credits.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		entryType, err := credits.ParseEntryType(entryTypeValue)
		if err != nil {
			return nil, err
		}
		pool, err := credits.ParseCreditPool(poolValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := credits.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := credits.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, credits.Entry{
			EntryID:        entryIDValue,
			UserID:         userID,
			Type:           entryType,
			Pool:           pool,
			Amount:         amountValue,
			ReferenceID:    referenceValue,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return entries, rows.Err()
}
