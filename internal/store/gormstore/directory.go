package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectSubscriber = "subscriber"
	errorSubjectResource   = "resource"
	errorCodeSave          = "save"
)

// Directory reads subscriber plans and generated resources from the shared database.
// It implements credits.SubscriberDirectory and credits.ResourceDirectory.
type Directory struct {
	db *gorm.DB
}

// NewDirectory returns a Directory backed by gorm.DB.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (directory *Directory) LookupSubscriber(ctx context.Context, userID credits.UserID) (credits.Subscriber, error) {
	var model Subscriber
	found, err := findOne(directory.db.WithContext(ctx).Where("user_id = ?", userID.String()), &model)
	if err != nil {
		return credits.Subscriber{}, wrapStoreError(errorSubjectSubscriber, errorCodeGet, err)
	}
	if !found {
		return credits.Subscriber{}, wrapStoreError(errorSubjectSubscriber, errorCodeGet, credits.ErrSubscriberNotFound)
	}
	subscriber := credits.Subscriber{UserID: userID, SubscriptionExpiresAtUnixUTC: timeOrZero(model.SubscriptionExpiresAt)}
	if plan, err := credits.NewPlanID(model.Plan); err == nil {
		subscriber.Plan = plan
	}
	return subscriber, nil
}

func (directory *Directory) LookupResource(ctx context.Context, resourceID credits.ResourceID) (credits.Resource, error) {
	var model GeneratedResource
	found, err := findOne(directory.db.WithContext(ctx).Where("resource_id = ?", resourceID.String()), &model)
	if err != nil {
		return credits.Resource{}, wrapStoreError(errorSubjectResource, errorCodeGet, err)
	}
	if !found {
		return credits.Resource{}, wrapStoreError(errorSubjectResource, errorCodeGet, credits.ErrResourceNotFound)
	}
	ownerID, err := credits.NewUserID(model.OwnerID)
	if err != nil {
		return credits.Resource{}, wrapStoreError(errorSubjectResource, errorCodeInvalid, err)
	}
	return credits.Resource{ResourceID: resourceID, OwnerID: ownerID, CreatedUnixUTC: model.CreatedAt.Unix()}, nil
}

// SaveSubscriber upserts a subscriber row.
func (directory *Directory) SaveSubscriber(ctx context.Context, subscriber credits.Subscriber) error {
	model := Subscriber{UserID: subscriber.UserID.String(), Plan: subscriber.Plan.String()}
	if subscriber.SubscriptionExpiresAtUnixUTC != 0 {
		expiresAt := unixToTime(subscriber.SubscriptionExpiresAtUnixUTC)
		model.SubscriptionExpiresAt = &expiresAt
	}
	err := directory.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"plan", "subscription_expires_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscriber, errorCodeSave, err)
	}
	return nil
}

// SaveResource records a generated resource so it can be refunded.
func (directory *Directory) SaveResource(ctx context.Context, resource credits.Resource) error {
	model := GeneratedResource{
		ResourceID: resource.ResourceID.String(),
		OwnerID:    resource.OwnerID.String(),
		CreatedAt:  unixToTime(resource.CreatedUnixUTC),
	}
	if resource.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := directory.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectResource, errorCodeSave, err)
	}
	return nil
}
