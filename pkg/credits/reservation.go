package credits

import (
	"context"
	"errors"
)

// Reserve holds one credit for work that has not completed yet and returns the pool it came from.
func (service *Service) Reserve(ctx context.Context, userID UserID, reservationID ReservationID) (CreditPool, error) {
	var pool CreditPool
	operationError := func() error {
		subscriber, err := service.lookupSubscriber(ctx, userID)
		if err != nil {
			return err
		}
		return service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := service.currentAccount(ctx, transactionStore, subscriber)
			if err != nil {
				return err
			}
			_, err = transactionStore.GetReservation(ctx, userID, reservationID)
			if err == nil {
				return ErrReservationExists
			}
			if !errors.Is(err, ErrUnknownReservation) {
				return err
			}
			selected, err := service.debitOne(ctx, transactionStore, account, false)
			if err != nil {
				return err
			}
			if err := transactionStore.CreateReservation(ctx, Reservation{
				UserID:         userID,
				ReservationID:  reservationID,
				Pool:           selected,
				Status:         ReservationStatusActive,
				CreatedUnixUTC: service.nowFn(),
			}); err != nil {
				return err
			}
			pool = selected
			entry := service.newEntry(userID, EntryHold, selected, -1, reservationID.String(), idempotencyKeyFor(idempotencyPrefixHold, reservationID.String()))
			return transactionStore.InsertEntry(ctx, entry)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operationReserve,
		UserID:     userID,
		Reference:  reservationID.String(),
		CreditType: pool,
		Amount:     1,
		Error:      operationError,
	})
	if operationError != nil {
		return "", operationError
	}
	return pool, nil
}

// Capture finalizes an active reservation and records the usage it paid for.
func (service *Service) Capture(ctx context.Context, userID UserID, reservationID ReservationID) error {
	var pool CreditPool
	operationError := service.closeReservation(ctx, userID, reservationID, ReservationStatusCaptured, &pool)
	service.logOperation(ctx, OperationLog{
		Operation:  operationCapture,
		UserID:     userID,
		Reference:  reservationID.String(),
		CreditType: pool,
		Amount:     1,
		Error:      operationError,
	})
	return operationError
}

// Release cancels an active reservation and returns the held credit to its pool.
// A monthly credit held before the latest reset lapses with its cycle instead.
func (service *Service) Release(ctx context.Context, userID UserID, reservationID ReservationID) error {
	var pool CreditPool
	operationError := service.closeReservation(ctx, userID, reservationID, ReservationStatusReleased, &pool)
	service.logOperation(ctx, OperationLog{
		Operation:  operationRelease,
		UserID:     userID,
		Reference:  reservationID.String(),
		CreditType: pool,
		Amount:     1,
		Error:      operationError,
	})
	return operationError
}

func (service *Service) closeReservation(ctx context.Context, userID UserID, reservationID ReservationID, target ReservationStatus, pool *CreditPool) error {
	subscriber, err := service.lookupSubscriber(ctx, userID)
	if err != nil {
		return err
	}
	return service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := service.currentAccount(ctx, transactionStore, subscriber)
		if err != nil {
			return err
		}
		reservation, err := transactionStore.GetReservation(ctx, userID, reservationID)
		if err != nil {
			return err
		}
		*pool = reservation.Pool
		if reservation.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		if err := transactionStore.UpdateReservationStatus(ctx, userID, reservationID, ReservationStatusActive, target); err != nil {
			return err
		}
		currentCycle := reservation.Pool == CreditPoolPurchased || reservation.CreatedUnixUTC >= account.LastResetUnixUTC
		switch target {
		case ReservationStatusCaptured:
			countThisMonth := reservation.Pool == CreditPoolMonthly && currentCycle
			if err := transactionStore.RecordUsage(ctx, userID, countThisMonth); err != nil {
				return err
			}
			entry := service.newEntry(userID, EntryCapture, reservation.Pool, 0, reservationID.String(), idempotencyKeyFor(idempotencyPrefixCapture, reservationID.String()))
			return transactionStore.InsertEntry(ctx, entry)
		default:
			var returned int64
			if currentCycle {
				returned = 1
				if err := transactionStore.AddCredits(ctx, userID, reservation.Pool, returned); err != nil {
					return err
				}
			}
			entry := service.newEntry(userID, EntryRelease, reservation.Pool, returned, reservationID.String(), idempotencyKeyFor(idempotencyPrefixRelease, reservationID.String()))
			return transactionStore.InsertEntry(ctx, entry)
		}
	})
}
