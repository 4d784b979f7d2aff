package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecordPurchase stores a pending purchase for a catalog pack and returns its id.
func (service *Service) RecordPurchase(ctx context.Context, userID UserID, packID PackID, paymentReference PaymentReference) (string, error) {
	purchaseID := ""
	operationError := func() error {
		pack, err := service.packs.PackFor(packID)
		if err != nil {
			return err
		}
		purchase := Purchase{
			PurchaseID:       service.newID(),
			UserID:           userID,
			PackID:           pack.ID,
			PriceCents:       pack.PriceCents,
			Credits:          pack.Credits,
			BonusCredits:     pack.BonusCredits,
			TotalCredits:     pack.TotalCredits,
			PaymentReference: paymentReference,
			Status:           PurchaseStatusPending,
			CreatedUnixUTC:   service.nowFn(),
		}
		err = service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
			return transactionStore.CreatePurchase(ctx, purchase)
		})
		if err != nil {
			return err
		}
		purchaseID = purchase.PurchaseID
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operationRecordPurchase,
		UserID:     userID,
		Reference:  paymentReference.String(),
		CreditType: CreditPoolPurchased,
		Error:      operationError,
	})
	return purchaseID, operationError
}

// CompletePurchase credits a pending or expired purchase exactly once.
// Unknown and already completed references report false without error.
func (service *Service) CompletePurchase(ctx context.Context, paymentReference PaymentReference) (bool, error) {
	var purchase Purchase
	applied, operationError := service.completePurchase(ctx, paymentReference, &purchase)
	status := ""
	if operationError == nil && !applied {
		status = operationStatusSkipped
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationCompletePurchase,
		UserID:     purchase.UserID,
		Reference:  paymentReference.String(),
		CreditType: CreditPoolPurchased,
		Amount:     purchase.TotalCredits,
		Status:     status,
		Error:      operationError,
	})
	return applied, operationError
}

func (service *Service) completePurchase(ctx context.Context, paymentReference PaymentReference, purchase *Purchase) (bool, error) {
	existing, err := service.store.GetPurchaseByPaymentReference(ctx, paymentReference, false)
	if errors.Is(err, ErrUnknownPurchase) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	*purchase = existing
	if existing.Status == PurchaseStatusCompleted {
		return false, nil
	}
	subscriber, err := service.lookupSubscriber(ctx, existing.UserID)
	if err != nil {
		return false, err
	}
	applied := false
	err = service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
		applied = false
		locked, err := transactionStore.GetPurchaseByPaymentReference(ctx, paymentReference, true)
		if err != nil {
			return err
		}
		if locked.Status == PurchaseStatusCompleted {
			return nil
		}
		nowUnixUTC := service.nowFn()
		err = transactionStore.UpdatePurchaseStatus(ctx, locked.PurchaseID, []PurchaseStatus{PurchaseStatusPending, PurchaseStatusExpired}, PurchaseStatusCompleted, nowUnixUTC)
		if errors.Is(err, ErrPurchaseAlreadyCompleted) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, _, err := service.lockOrCreateAccount(ctx, transactionStore, subscriber); err != nil {
			return err
		}
		if err := transactionStore.AddCredits(ctx, locked.UserID, CreditPoolPurchased, locked.TotalCredits); err != nil {
			return err
		}
		entry := service.newEntry(locked.UserID, EntryPurchase, CreditPoolPurchased, locked.TotalCredits, locked.PurchaseID, idempotencyKeyFor(idempotencyPrefixPurchase, paymentReference.String()))
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ExpirePendingPurchases moves pending purchases created more than olderThan ago to expired.
func (service *Service) ExpirePendingPurchases(ctx context.Context, olderThan time.Duration) (int64, error) {
	var expired int64
	operationError := func() error {
		if olderThan <= 0 {
			return fmt.Errorf("%w: expiry age must be positive", ErrInvalidServiceConfig)
		}
		nowUnixUTC := service.nowFn()
		cutoff := nowUnixUTC - int64(olderThan/time.Second)
		return service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
			count, err := transactionStore.ExpirePurchases(ctx, cutoff, nowUnixUTC)
			expired = count
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationExpirePurchases,
		Amount:    expired,
		Error:     operationError,
	})
	return expired, operationError
}
