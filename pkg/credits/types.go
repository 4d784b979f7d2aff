package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// PlanID identifies a subscription plan.
type PlanID struct {
	value string
}

// PackID identifies a purchasable credit pack.
type PackID struct {
	value string
}

// PaymentReference is the payment gateway's identifier for a checkout.
type PaymentReference struct {
	value string
}

// ResourceID identifies a generated artifact that consumed a credit.
type ResourceID struct {
	value string
}

// FeedbackID points at the feedback record that motivated a refund.
type FeedbackID struct {
	value string
}

// ReservationID identifies a credit hold.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection in the journal.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidUserID)
	if err != nil {
		return UserID{}, err
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewPlanID normalizes a plan id. Plan ids are case-insensitive.
func NewPlanID(raw string) (PlanID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidPlanID)
	if err != nil {
		return PlanID{}, err
	}
	return PlanID{value: strings.ToLower(trimmed)}, nil
}

// String returns the normalized plan id.
func (id PlanID) String() string {
	return id.value
}

// IsZero reports whether the plan id is unset.
func (id PlanID) IsZero() bool {
	return id.value == ""
}

// NewPackID validates and normalizes a pack id.
func NewPackID(raw string) (PackID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidPackID)
	if err != nil {
		return PackID{}, err
	}
	return PackID{value: strings.ToLower(trimmed)}, nil
}

// String returns the normalized pack id.
func (id PackID) String() string {
	return id.value
}

// NewPaymentReference validates a payment reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidPaymentReference)
	if err != nil {
		return PaymentReference{}, err
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the payment reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// NewResourceID validates a resource id.
func NewResourceID(raw string) (ResourceID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidResourceID)
	if err != nil {
		return ResourceID{}, err
	}
	return ResourceID{value: trimmed}, nil
}

// String returns the resource id.
func (id ResourceID) String() string {
	return id.value
}

// NewFeedbackID validates a feedback id.
func NewFeedbackID(raw string) (FeedbackID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidFeedbackID)
	if err != nil {
		return FeedbackID{}, err
	}
	return FeedbackID{value: trimmed}, nil
}

// String returns the feedback id.
func (id FeedbackID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidReservationID)
	if err != nil {
		return ReservationID{}, err
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the reservation id.
func (id ReservationID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidIdempotencyKey)
	if err != nil {
		return IdempotencyKey{}, err
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob, "{}" for the zero value.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

func normalizeIdentifier(raw string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", invalid)
	}
	return trimmed, nil
}

// CreditPool names one of the two balances of an account.
type CreditPool string

const (
	CreditPoolMonthly   CreditPool = "monthly"
	CreditPoolPurchased CreditPool = "purchased"
)

// ParseCreditPool validates a stored pool name.
func ParseCreditPool(raw string) (CreditPool, error) {
	switch CreditPool(raw) {
	case CreditPoolMonthly, CreditPoolPurchased:
		return CreditPool(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCreditPool, raw)
	}
}

// String returns the pool name.
func (pool CreditPool) String() string {
	return string(pool)
}

// Account is the per-user credit row.
type Account struct {
	UserID               UserID
	MonthlyCredits       int64
	PurchasedCredits     int64
	CreditsUsedThisMonth int64
	TotalCreditsUsed     int64
	LastResetUnixUTC     int64
	CreatedUnixUTC       int64
}

// TotalAvailable returns the spendable credits across both pools.
func (account Account) TotalAvailable() int64 {
	return account.MonthlyCredits + account.PurchasedCredits
}

// Balance is the read view of an account.
type Balance struct {
	MonthlyCredits       int64
	PurchasedCredits     int64
	TotalAvailable       int64
	CreditsUsedThisMonth int64
	TotalCreditsUsed     int64
	LastResetAtUnixUTC   int64
}

func balanceOf(account Account) Balance {
	return Balance{
		MonthlyCredits:       account.MonthlyCredits,
		PurchasedCredits:     account.PurchasedCredits,
		TotalAvailable:       account.TotalAvailable(),
		CreditsUsedThisMonth: account.CreditsUsedThisMonth,
		TotalCreditsUsed:     account.TotalCreditsUsed,
		LastResetAtUnixUTC:   account.LastResetUnixUTC,
	}
}

// ConsumeResult reports which pool paid for a consumption and what is left.
type ConsumeResult struct {
	CreditType CreditPool
	Remaining  int64
}

// PurchaseStatus defines the purchase lifecycle.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusExpired   PurchaseStatus = "expired"
)

// ParsePurchaseStatus validates a stored purchase status.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(raw) {
	case PurchaseStatusPending, PurchaseStatusCompleted, PurchaseStatusExpired:
		return PurchaseStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
	}
}

// String returns the status name.
func (status PurchaseStatus) String() string {
	return string(status)
}

// Purchase is a pack checkout and its fulfillment state.
type Purchase struct {
	PurchaseID         string
	UserID             UserID
	PackID             PackID
	PriceCents         int64
	Credits            int64
	BonusCredits       int64
	TotalCredits       int64
	PaymentReference   PaymentReference
	Status             PurchaseStatus
	CreatedUnixUTC     int64
	CompletedAtUnixUTC int64
	ExpiredAtUnixUTC   int64
}

// Refund is a single granted credit refund for a resource.
type Refund struct {
	RefundID       string
	UserID         UserID
	ResourceID     ResourceID
	FeedbackID     FeedbackID
	Credits        int64
	Reason         string
	CreatedUnixUTC int64
}

// RefundEligibility is the answer to CanRefund.
type RefundEligibility struct {
	Allowed bool
	Reason  string
}

// RefundResult reports a granted refund and the balance after commit.
type RefundResult struct {
	RefundID   string
	NewBalance Balance
}

// ReservationStatus defines the hold lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
)

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusCaptured, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the status name.
func (status ReservationStatus) String() string {
	return string(status)
}

// Reservation is a credit held for work that has not finished yet.
type Reservation struct {
	UserID         UserID
	ReservationID  ReservationID
	Pool           CreditPool
	Status         ReservationStatus
	CreatedUnixUTC int64
}

// EntryType enumerates journal entry kinds.
type EntryType string

const (
	EntryInitialize EntryType = "initialize"
	EntryReset      EntryType = "reset"
	EntryConsume    EntryType = "consume"
	EntryHold       EntryType = "hold"
	EntryCapture    EntryType = "capture"
	EntryRelease    EntryType = "release"
	EntryPurchase   EntryType = "purchase"
	EntryRefund     EntryType = "refund"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryInitialize, EntryReset, EntryConsume, EntryHold, EntryCapture, EntryRelease, EntryPurchase, EntryRefund:
		return EntryType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the entry type name.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Entry is a single immutable line in the credit journal.
type Entry struct {
	EntryID        string
	UserID         UserID
	Type           EntryType
	Pool           CreditPool
	Amount         int64
	ReferenceID    string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EntryCursor marks where a backwards journal page starts. Entries are ordered by
// (CreatedUnixUTC, EntryID) descending; a page holds entries strictly before the cursor.
// An empty BeforeEntryID excludes the whole BeforeUnixUTC second.
type EntryCursor struct {
	BeforeUnixUTC int64
	BeforeEntryID string
}

// After reports whether entry sorts strictly before the cursor position.
func (cursor EntryCursor) After(entry Entry) bool {
	if entry.CreatedUnixUTC != cursor.BeforeUnixUTC {
		return entry.CreatedUnixUTC < cursor.BeforeUnixUTC
	}
	return cursor.BeforeEntryID != "" && entry.EntryID < cursor.BeforeEntryID
}

// NextEntryCursor returns the cursor continuing after the last entry of a page.
func NextEntryCursor(page []Entry) (EntryCursor, bool) {
	if len(page) == 0 {
		return EntryCursor{}, false
	}
	last := page[len(page)-1]
	return EntryCursor{BeforeUnixUTC: last.CreatedUnixUTC, BeforeEntryID: last.EntryID}, true
}

// Subscriber is what the user directory knows about a user's plan.
type Subscriber struct {
	UserID                       UserID
	Plan                         PlanID
	SubscriptionExpiresAtUnixUTC int64
}

// Resource is what the resource store knows about a generated artifact.
type Resource struct {
	ResourceID     ResourceID
	OwnerID        UserID
	CreatedUnixUTC int64
}

// SubscriberDirectory supplies plan and expiry for a user.
type SubscriberDirectory interface {
	LookupSubscriber(ctx context.Context, userID UserID) (Subscriber, error)
}

// ResourceDirectory supplies creation time and owner for a refundable resource.
type ResourceDirectory interface {
	LookupResource(ctx context.Context, resourceID ResourceID) (Resource, error)
}

// Store is the persistence contract used by Service.
// Methods called on the store handed to WithTx run inside that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockAccount returns the account row locked for the rest of the transaction.
	LockAccount(ctx context.Context, userID UserID) (Account, bool, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	// CreateAccount inserts the account unless one already exists and reports whether it inserted.
	CreateAccount(ctx context.Context, account Account) (bool, error)
	ResetAccount(ctx context.Context, userID UserID, monthlyCredits int64, resetAtUnixUTC int64) error
	// DebitCredit removes one credit from pool, guarded by pool > 0; it fails with
	// ErrInsufficientCredits when the guard rejects the update. recordUsage also bumps the usage counters.
	DebitCredit(ctx context.Context, userID UserID, pool CreditPool, recordUsage bool) error
	AddCredits(ctx context.Context, userID UserID, pool CreditPool, amount int64) error
	RecordUsage(ctx context.Context, userID UserID, countThisMonth bool) error

	InsertEntry(ctx context.Context, entry Entry) error
	// ListEntries returns up to limit entries strictly before cursor, newest first.
	ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error)

	CreatePurchase(ctx context.Context, purchase Purchase) error
	GetPurchaseByPaymentReference(ctx context.Context, reference PaymentReference, forUpdate bool) (Purchase, error)
	UpdatePurchaseStatus(ctx context.Context, purchaseID string, from []PurchaseStatus, to PurchaseStatus, atUnixUTC int64) error
	ExpirePurchases(ctx context.Context, createdBeforeUnixUTC int64, atUnixUTC int64) (int64, error)

	RefundExists(ctx context.Context, resourceID ResourceID) (bool, error)
	CountRefundsSince(ctx context.Context, userID UserID, sinceUnixUTC int64) (int64, error)
	CreateRefund(ctx context.Context, refund Refund) error

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, userID UserID, reservationID ReservationID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, userID UserID, reservationID ReservationID, from, to ReservationStatus) error
}
