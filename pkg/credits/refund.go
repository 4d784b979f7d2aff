package credits

import (
	"context"
	"errors"
	"time"
)

// CanRefund reports whether resourceID may be refunded to userID right now.
func (service *Service) CanRefund(ctx context.Context, userID UserID, resourceID ResourceID) (RefundEligibility, error) {
	resource, found, err := service.lookupOwnedResource(ctx, userID, resourceID)
	if err != nil {
		return RefundEligibility{}, err
	}
	if !found {
		return RefundEligibility{Allowed: false, Reason: RefundReasonNotFound}, nil
	}
	reason, err := service.refundBlocker(ctx, service.store, userID, resource)
	if err != nil {
		return RefundEligibility{}, err
	}
	return RefundEligibility{Allowed: reason == "", Reason: reason}, nil
}

// Refund grants one purchased credit back for a resource. Eligibility is re-checked
// with the account locked, so a failed refund leaves no trace.
func (service *Service) Refund(ctx context.Context, userID UserID, resourceID ResourceID, feedbackID FeedbackID, reason string) (RefundResult, error) {
	refundID := service.newID()
	operationError := service.refund(ctx, userID, resourceID, feedbackID, reason, refundID)
	service.logOperation(ctx, OperationLog{
		Operation:  operationRefund,
		UserID:     userID,
		Reference:  resourceID.String(),
		CreditType: CreditPoolPurchased,
		Amount:     refundCreditsPerGrant,
		Error:      operationError,
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	account, err := service.readCommittedAccount(ctx, userID)
	if err != nil {
		return RefundResult{RefundID: refundID}, err
	}
	return RefundResult{RefundID: refundID, NewBalance: balanceOf(account)}, nil
}

func (service *Service) refund(ctx context.Context, userID UserID, resourceID ResourceID, feedbackID FeedbackID, reason string, refundID string) error {
	resource, found, err := service.lookupOwnedResource(ctx, userID, resourceID)
	if err != nil {
		return err
	}
	if !found {
		return ErrResourceNotFound
	}
	subscriber, err := service.lookupSubscriber(ctx, userID)
	if err != nil {
		return err
	}
	return service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := service.currentAccount(ctx, transactionStore, subscriber); err != nil {
			return err
		}
		blocker, err := service.refundBlocker(ctx, transactionStore, userID, resource)
		if err != nil {
			return err
		}
		if blocker != "" {
			return refundErrorFor(blocker)
		}
		if err := transactionStore.AddCredits(ctx, userID, CreditPoolPurchased, refundCreditsPerGrant); err != nil {
			return err
		}
		if err := transactionStore.CreateRefund(ctx, Refund{
			RefundID:       refundID,
			UserID:         userID,
			ResourceID:     resourceID,
			FeedbackID:     feedbackID,
			Credits:        refundCreditsPerGrant,
			Reason:         reason,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		entry := service.newEntry(userID, EntryRefund, CreditPoolPurchased, refundCreditsPerGrant, refundID, idempotencyKeyFor(idempotencyPrefixRefund, resourceID.String()))
		return transactionStore.InsertEntry(ctx, entry)
	})
}

func (service *Service) lookupOwnedResource(ctx context.Context, userID UserID, resourceID ResourceID) (Resource, bool, error) {
	resource, err := service.resources.LookupResource(ctx, resourceID)
	if errors.Is(err, ErrResourceNotFound) {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, err
	}
	if resource.OwnerID != userID {
		return Resource{}, false, nil
	}
	return resource, true, nil
}

// refundBlocker returns the first reason a refund is refused, or "" when it is allowed.
func (service *Service) refundBlocker(ctx context.Context, store Store, userID UserID, resource Resource) (string, error) {
	exists, err := store.RefundExists(ctx, resource.ResourceID)
	if err != nil {
		return "", err
	}
	if exists {
		return RefundReasonAlreadyRefunded, nil
	}
	nowUnixUTC := service.nowFn()
	if nowUnixUTC-resource.CreatedUnixUTC > int64(refundWindow/time.Second) {
		return RefundReasonWindowExpired, nil
	}
	count, err := store.CountRefundsSince(ctx, userID, StartOfMonthUnixUTC(nowUnixUTC))
	if err != nil {
		return "", err
	}
	if count >= refundMonthlyLimit {
		return RefundReasonLimitReached, nil
	}
	return "", nil
}

func refundErrorFor(reason string) error {
	switch reason {
	case RefundReasonAlreadyRefunded:
		return ErrDuplicateRefund
	case RefundReasonWindowExpired:
		return ErrRefundWindowExpired
	case RefundReasonLimitReached:
		return ErrRefundLimitExceeded
	default:
		return ErrResourceNotFound
	}
}
