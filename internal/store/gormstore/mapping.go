package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"gorm.io/datatypes"
)

const defaultMetadataJSON = "{}"

func mapAccount(model CreditAccount) (credits.Account, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Account{}, err
	}
	return credits.Account{
		UserID:               userID,
		MonthlyCredits:       model.MonthlyCredits,
		PurchasedCredits:     model.PurchasedCredits,
		CreditsUsedThisMonth: model.CreditsUsedThisMonth,
		TotalCreditsUsed:     model.TotalCreditsUsed,
		LastResetUnixUTC:     model.LastResetAt.Unix(),
		CreatedUnixUTC:       model.CreatedAt.Unix(),
	}, nil
}

func mapEntry(row CreditEntry) (credits.Entry, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Entry{}, err
	}
	entryType, err := credits.ParseEntryType(row.Type)
	if err != nil {
		return credits.Entry{}, err
	}
	pool, err := credits.ParseCreditPool(row.Pool)
	if err != nil {
		return credits.Entry{}, err
	}
	idempotencyKey, err := credits.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return credits.Entry{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.Entry{}, err
	}
	return credits.Entry{
		EntryID:        row.EntryID,
		UserID:         userID,
		Type:           entryType,
		Pool:           pool,
		Amount:         row.Amount,
		ReferenceID:    row.ReferenceID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPurchase(model CreditPurchase) (credits.Purchase, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Purchase{}, err
	}
	packID, err := credits.NewPackID(model.PackID)
	if err != nil {
		return credits.Purchase{}, err
	}
	reference, err := credits.NewPaymentReference(model.PaymentReference)
	if err != nil {
		return credits.Purchase{}, err
	}
	status, err := credits.ParsePurchaseStatus(model.Status)
	if err != nil {
		return credits.Purchase{}, err
	}
	return credits.Purchase{
		PurchaseID:         model.PurchaseID,
		UserID:             userID,
		PackID:             packID,
		PriceCents:         model.PriceCents,
		Credits:            model.Credits,
		BonusCredits:       model.BonusCredits,
		TotalCredits:       model.TotalCredits,
		PaymentReference:   reference,
		Status:             status,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
		CompletedAtUnixUTC: timeOrZero(model.CompletedAt),
		ExpiredAtUnixUTC:   timeOrZero(model.ExpiredAt),
	}, nil
}

func mapReservation(model CreditReservation) (credits.Reservation, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Reservation{}, err
	}
	reservationID, err := credits.NewReservationID(model.ReservationID)
	if err != nil {
		return credits.Reservation{}, err
	}
	pool, err := credits.ParseCreditPool(model.Pool)
	if err != nil {
		return credits.Reservation{}, err
	}
	status, err := credits.ParseReservationStatus(model.Status)
	if err != nil {
		return credits.Reservation{}, err
	}
	return credits.Reservation{
		UserID:         userID,
		ReservationID:  reservationID,
		Pool:           pool,
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
