package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
)

const (
	errorSubjectSubscriber = "subscriber"
	errorSubjectResource   = "resource"
	errorCodeSave          = "save"
)

// Directory reads subscribers and generated resources through pgx.
type Directory struct {
	db dbtx
}

// NewDirectory returns a Directory using the pool.
func NewDirectory(db dbtx) *Directory {
	return &Directory{db: db}
}

func (directory *Directory) LookupSubscriber(ctx context.Context, userID credits.UserID) (credits.Subscriber, error) {
	var (
		planValue        string
		expiresAtUnixUTC int64
	)
	err := directory.db.QueryRow(ctx, sqlSelectSubscriber, userID.String()).Scan(&planValue, &expiresAtUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Subscriber{}, wrapStoreError(errorSubjectSubscriber, errorCodeGet, credits.ErrSubscriberNotFound)
	}
	if err != nil {
		return credits.Subscriber{}, wrapStoreError(errorSubjectSubscriber, errorCodeGet, err)
	}
	subscriber := credits.Subscriber{UserID: userID, SubscriptionExpiresAtUnixUTC: expiresAtUnixUTC}
	if plan, err := credits.NewPlanID(planValue); err == nil {
		subscriber.Plan = plan
	}
	return subscriber, nil
}

func (directory *Directory) LookupResource(ctx context.Context, resourceID credits.ResourceID) (credits.Resource, error) {
	var (
		ownerValue       string
		createdAtUnixUTC int64
	)
	err := directory.db.QueryRow(ctx, sqlSelectResource, resourceID.String()).Scan(&ownerValue, &createdAtUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Resource{}, wrapStoreError(errorSubjectResource, errorCodeGet, credits.ErrResourceNotFound)
	}
	if err != nil {
		return credits.Resource{}, wrapStoreError(errorSubjectResource, errorCodeGet, err)
	}
	ownerID, err := credits.NewUserID(ownerValue)
	if err != nil {
		return credits.Resource{}, wrapStoreError(errorSubjectResource, errorCodeInvalid, err)
	}
	return credits.Resource{ResourceID: resourceID, OwnerID: ownerID, CreatedUnixUTC: createdAtUnixUTC}, nil
}

// SaveSubscriber upserts a subscriber row.
func (directory *Directory) SaveSubscriber(ctx context.Context, subscriber credits.Subscriber) error {
	_, err := directory.db.Exec(ctx, sqlUpsertSubscriber,
		subscriber.UserID.String(),
		subscriber.Plan.String(),
		subscriber.SubscriptionExpiresAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscriber, errorCodeSave, err)
	}
	return nil
}

// SaveResource records a generated resource so it can be refunded.
func (directory *Directory) SaveResource(ctx context.Context, resource credits.Resource) error {
	_, err := directory.db.Exec(ctx, sqlInsertResource,
		resource.ResourceID.String(),
		resource.OwnerID.String(),
		resource.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectResource, errorCodeSave, err)
	}
	return nil
}
