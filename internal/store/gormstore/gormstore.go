package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectPurchase    = "purchase"
	errorSubjectRefund      = "refund"
	errorSubjectReservation = "reservation"
	errorCodeAdd            = "add"
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

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if err != nil && !credits.IsTransient(err) && isTransientFailure(err) {
		return credits.TransientError(err)
	}
	return err
}

func (store *Store) LockAccount(ctx context.Context, userID credits.UserID) (credits.Account, bool, error) {
	var model CreditAccount
	found, err := findOne(store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()), &model)
	if err != nil {
		return credits.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	if !found {
		return credits.Account{}, false, nil
	}
	account, err := mapAccount(model)
	if err != nil {
		return credits.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, true, nil
}

func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) (bool, error) {
	createdAt := unixToTime(account.CreatedUnixUTC)
	model := CreditAccount{
		UserID:               account.UserID.String(),
		MonthlyCredits:       account.MonthlyCredits,
		PurchasedCredits:     account.PurchasedCredits,
		CreditsUsedThisMonth: account.CreditsUsedThisMonth,
		TotalCreditsUsed:     account.TotalCreditsUsed,
		LastResetAt:          unixToTime(account.LastResetUnixUTC),
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ResetAccount(ctx context.Context, userID credits.UserID, monthlyCredits int64, resetAtUnixUTC int64) error {
	resetAt := unixToTime(resetAtUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"monthly_credits":         monthlyCredits,
			"credits_used_this_month": 0,
			"last_reset_at":           resetAt,
			"updated_at":              resetAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeReset, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeReset, credits.ErrAccountNotFound)
	}
	return nil
}

// DebitCredit removes one credit from pool. The pool > 0 guard is the overdraft protection;
// a rejected update surfaces as ErrInsufficientCredits.
func (store *Store) DebitCredit(ctx context.Context, userID credits.UserID, pool credits.CreditPool, recordUsage bool) error {
	column, err := poolColumn(pool)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	updates := map[string]interface{}{
		column:       gorm.Expr(column + " - 1"),
		"updated_at": time.Now().UTC(),
	}
	if recordUsage {
		updates["total_credits_used"] = gorm.Expr("total_credits_used + 1")
		if pool == credits.CreditPoolMonthly {
			updates["credits_used_this_month"] = gorm.Expr("credits_used_this_month + 1")
		}
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND "+column+" > 0", userID.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, credits.ErrInsufficientCredits)
	}
	return nil
}

func (store *Store) AddCredits(ctx context.Context, userID credits.UserID, pool credits.CreditPool, amount int64) error {
	if amount <= 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, fmt.Errorf("%w: must be > 0", credits.ErrInvalidCreditAmount))
	}
	column, err := poolColumn(pool)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, err)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			column:       gorm.Expr(column+" + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeAdd, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) RecordUsage(ctx context.Context, userID credits.UserID, countThisMonth bool) error {
	updates := map[string]interface{}{
		"total_credits_used": gorm.Expr("total_credits_used + 1"),
		"updated_at":         time.Now().UTC(),
	}
	if countThisMonth {
		updates["credits_used_this_month"] = gorm.Expr("credits_used_this_month + 1")
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUsage, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUsage, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) error {
	model := CreditEntry{
		EntryID:        entry.EntryID,
		UserID:         entry.UserID.String(),
		Type:           entry.Type.String(),
		Pool:           entry.Pool.String(),
		Amount:         entry.Amount,
		ReferenceID:    entry.ReferenceID,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      unixToTime(entry.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEntryIdempotency) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID credits.UserID, cursor credits.EntryCursor, limit int) ([]credits.Entry, error) {
	before := unixToTime(cursor.BeforeUnixUTC)
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if cursor.BeforeEntryID == "" {
		query = query.Where("created_at < ?", before)
	} else {
		query = query.Where("(created_at < ? OR (created_at = ? AND entry_id < ?))", before, before, cursor.BeforeEntryID)
	}
	var rows []CreditEntry
	err := query.
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase credits.Purchase) error {
	model := CreditPurchase{
		PurchaseID:       purchase.PurchaseID,
		UserID:           purchase.UserID.String(),
		PackID:           purchase.PackID.String(),
		PriceCents:       purchase.PriceCents,
		Credits:          purchase.Credits,
		BonusCredits:     purchase.BonusCredits,
		TotalCredits:     purchase.TotalCredits,
		PaymentReference: purchase.PaymentReference.String(),
		Status:           purchase.Status.String(),
		CreatedAt:        unixToTime(purchase.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPurchasePaymentReference) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, credits.ErrDuplicatePaymentReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchaseByPaymentReference(ctx context.Context, reference credits.PaymentReference, forUpdate bool) (credits.Purchase, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditPurchase
	found, err := findOne(query.Where("payment_reference = ?", reference.String()), &model)
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	if !found {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, credits.ErrUnknownPurchase)
	}
	purchase, err := mapPurchase(model)
	if err != nil {
		return credits.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchase, nil
}

func (store *Store) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from []credits.PurchaseStatus, to credits.PurchaseStatus, atUnixUTC int64) error {
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, status.String())
	}
	updates := map[string]interface{}{"status": to.String()}
	switch to {
	case credits.PurchaseStatusCompleted:
		updates["completed_at"] = unixToTime(atUnixUTC)
	case credits.PurchaseStatusExpired:
		updates["expired_at"] = unixToTime(atUnixUTC)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditPurchase{}).
		Where("purchase_id = ? AND status IN ?", purchaseID, allowed).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, credits.ErrPurchaseAlreadyCompleted)
	}
	return nil
}

func (store *Store) ExpirePurchases(ctx context.Context, createdBeforeUnixUTC int64, atUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditPurchase{}).
		Where("status = ? AND created_at < ?", credits.PurchaseStatusPending.String(), unixToTime(createdBeforeUnixUTC)).
		Updates(map[string]interface{}{
			"status":     credits.PurchaseStatusExpired.String(),
			"expired_at": unixToTime(atUnixUTC),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectPurchase, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) RefundExists(ctx context.Context, resourceID credits.ResourceID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditRefund{}).
		Where("resource_id = ?", resourceID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectRefund, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) CountRefundsSince(ctx context.Context, userID credits.UserID, sinceUnixUTC int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditRefund{}).
		Where("user_id = ? AND created_at >= ?", userID.String(), unixToTime(sinceUnixUTC)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectRefund, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CreateRefund(ctx context.Context, refund credits.Refund) error {
	model := CreditRefund{
		RefundID:   refund.RefundID,
		UserID:     refund.UserID.String(),
		ResourceID: refund.ResourceID.String(),
		FeedbackID: refund.FeedbackID.String(),
		Credits:    refund.Credits,
		Reason:     refund.Reason,
		CreatedAt:  unixToTime(refund.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintRefundResource) {
		return wrapStoreError(errorSubjectRefund, errorCodeDuplicate, credits.ErrDuplicateRefund)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRefund, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	createdAt := unixToTime(reservation.CreatedUnixUTC)
	model := CreditReservation{
		UserID:        reservation.UserID.String(),
		ReservationID: reservation.ReservationID.String(),
		Pool:          reservation.Pool.String(),
		Status:        reservation.Status.String(),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, userID credits.UserID, reservationID credits.ReservationID) (credits.Reservation, error) {
	var model CreditReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND reservation_id = ?", userID.String(), reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrUnknownReservation)
		}
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, userID credits.UserID, reservationID credits.ReservationID, from, to credits.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Where("user_id = ? AND reservation_id = ? AND status = ?", userID.String(), reservationID.String(), from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationClosed)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	if !credits.IsTransient(err) && isTransientFailure(err) {
		err = credits.TransientError(err)
	}
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func poolColumn(pool credits.CreditPool) (string, error) {
	switch pool {
	case credits.CreditPoolMonthly:
		return "monthly_credits", nil
	case credits.CreditPoolPurchased:
		return "purchased_credits", nil
	default:
		return "", fmt.Errorf("%w: %q", credits.ErrInvalidCreditPool, pool)
	}
}

// findOne loads at most one row into dest. A missing row is not an error, so gorm does not log it.
func findOne(query *gorm.DB, dest any) (bool, error) {
	result := query.Limit(1).Find(dest)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}
