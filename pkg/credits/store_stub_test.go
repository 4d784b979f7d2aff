package credits

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type memoryState struct {
	accounts     map[string]Account
	entries      []Entry
	purchases    map[string]Purchase
	refunds      []Refund
	reservations map[string]Reservation
}

func (state *memoryState) clone() *memoryState {
	copied := &memoryState{
		accounts:     make(map[string]Account, len(state.accounts)),
		entries:      append([]Entry(nil), state.entries...),
		purchases:    make(map[string]Purchase, len(state.purchases)),
		refunds:      append([]Refund(nil), state.refunds...),
		reservations: make(map[string]Reservation, len(state.reservations)),
	}
	for key, value := range state.accounts {
		copied.accounts[key] = value
	}
	for key, value := range state.purchases {
		copied.purchases[key] = value
	}
	for key, value := range state.reservations {
		copied.reservations[key] = value
	}
	return copied
}

// memoryStore is an in-memory Store whose transactions are serialized and rolled back on error.
type memoryStore struct {
	mutex    *sync.Mutex
	state    *memoryState
	txErrors []error
	txCalls  int
	// readErrors are returned, in order, by GetAccount calls made outside a transaction.
	readErrors []error
	readCalls  int
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		mutex: &sync.Mutex{},
		state: &memoryState{
			accounts:     map[string]Account{},
			purchases:    map[string]Purchase{},
			reservations: map[string]Reservation{},
		},
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.txCalls++
	if len(store.txErrors) > 0 {
		err := store.txErrors[0]
		store.txErrors = store.txErrors[1:]
		if err != nil {
			return err
		}
	}
	transaction := &memoryStore{state: store.state.clone()}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.state = transaction.state
	return nil
}

// lock guards direct reads made outside WithTx.
func (store *memoryStore) lock() func() {
	if store.mutex == nil {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *memoryStore) LockAccount(_ context.Context, userID UserID) (Account, bool, error) {
	defer store.lock()()
	account, ok := store.state.accounts[userID.String()]
	return account, ok, nil
}

func (store *memoryStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	defer store.lock()()
	store.readCalls++
	if len(store.readErrors) > 0 {
		err := store.readErrors[0]
		store.readErrors = store.readErrors[1:]
		if err != nil {
			return Account{}, err
		}
	}
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) CreateAccount(_ context.Context, account Account) (bool, error) {
	defer store.lock()()
	if _, ok := store.state.accounts[account.UserID.String()]; ok {
		return false, nil
	}
	store.state.accounts[account.UserID.String()] = account
	return true, nil
}

func (store *memoryStore) ResetAccount(_ context.Context, userID UserID, monthlyCredits int64, resetAtUnixUTC int64) error {
	defer store.lock()()
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.MonthlyCredits = monthlyCredits
	account.CreditsUsedThisMonth = 0
	account.LastResetUnixUTC = resetAtUnixUTC
	store.state.accounts[userID.String()] = account
	return nil
}

func (store *memoryStore) DebitCredit(_ context.Context, userID UserID, pool CreditPool, recordUsage bool) error {
	defer store.lock()()
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	switch pool {
	case CreditPoolMonthly:
		if account.MonthlyCredits <= 0 {
			return ErrInsufficientCredits
		}
		account.MonthlyCredits--
		if recordUsage {
			account.CreditsUsedThisMonth++
		}
	case CreditPoolPurchased:
		if account.PurchasedCredits <= 0 {
			return ErrInsufficientCredits
		}
		account.PurchasedCredits--
	default:
		return ErrInvalidCreditPool
	}
	if recordUsage {
		account.TotalCreditsUsed++
	}
	store.state.accounts[userID.String()] = account
	return nil
}

func (store *memoryStore) AddCredits(_ context.Context, userID UserID, pool CreditPool, amount int64) error {
	defer store.lock()()
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	if pool == CreditPoolMonthly {
		account.MonthlyCredits += amount
	} else {
		account.PurchasedCredits += amount
	}
	store.state.accounts[userID.String()] = account
	return nil
}

func (store *memoryStore) RecordUsage(_ context.Context, userID UserID, countThisMonth bool) error {
	defer store.lock()()
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.TotalCreditsUsed++
	if countThisMonth {
		account.CreditsUsedThisMonth++
	}
	store.state.accounts[userID.String()] = account
	return nil
}

func (store *memoryStore) InsertEntry(_ context.Context, entry Entry) error {
	defer store.lock()()
	for _, existing := range store.state.entries {
		if existing.UserID == entry.UserID && existing.IdempotencyKey == entry.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.state.entries = append(store.state.entries, entry)
	return nil
}

func (store *memoryStore) ListEntries(_ context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	defer store.lock()()
	var entries []Entry
	for _, entry := range store.state.entries {
		if entry.UserID == userID && cursor.After(entry) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		if entries[left].CreatedUnixUTC != entries[right].CreatedUnixUTC {
			return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
		}
		return entries[left].EntryID > entries[right].EntryID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *memoryStore) CreatePurchase(_ context.Context, purchase Purchase) error {
	defer store.lock()()
	if _, ok := store.state.purchases[purchase.PaymentReference.String()]; ok {
		return ErrDuplicatePaymentReference
	}
	store.state.purchases[purchase.PaymentReference.String()] = purchase
	return nil
}

func (store *memoryStore) GetPurchaseByPaymentReference(_ context.Context, reference PaymentReference, _ bool) (Purchase, error) {
	defer store.lock()()
	purchase, ok := store.state.purchases[reference.String()]
	if !ok {
		return Purchase{}, ErrUnknownPurchase
	}
	return purchase, nil
}

func (store *memoryStore) UpdatePurchaseStatus(_ context.Context, purchaseID string, from []PurchaseStatus, to PurchaseStatus, atUnixUTC int64) error {
	defer store.lock()()
	for reference, purchase := range store.state.purchases {
		if purchase.PurchaseID != purchaseID {
			continue
		}
		allowed := false
		for _, status := range from {
			if purchase.Status == status {
				allowed = true
			}
		}
		if !allowed {
			return ErrPurchaseAlreadyCompleted
		}
		purchase.Status = to
		if to == PurchaseStatusCompleted {
			purchase.CompletedAtUnixUTC = atUnixUTC
		} else {
			purchase.ExpiredAtUnixUTC = atUnixUTC
		}
		store.state.purchases[reference] = purchase
		return nil
	}
	return ErrUnknownPurchase
}

func (store *memoryStore) ExpirePurchases(_ context.Context, createdBeforeUnixUTC int64, atUnixUTC int64) (int64, error) {
	defer store.lock()()
	var count int64
	for reference, purchase := range store.state.purchases {
		if purchase.Status == PurchaseStatusPending && purchase.CreatedUnixUTC < createdBeforeUnixUTC {
			purchase.Status = PurchaseStatusExpired
			purchase.ExpiredAtUnixUTC = atUnixUTC
			store.state.purchases[reference] = purchase
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) RefundExists(_ context.Context, resourceID ResourceID) (bool, error) {
	defer store.lock()()
	for _, refund := range store.state.refunds {
		if refund.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

func (store *memoryStore) CountRefundsSince(_ context.Context, userID UserID, sinceUnixUTC int64) (int64, error) {
	defer store.lock()()
	var count int64
	for _, refund := range store.state.refunds {
		if refund.UserID == userID && refund.CreatedUnixUTC >= sinceUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) CreateRefund(_ context.Context, refund Refund) error {
	defer store.lock()()
	for _, existing := range store.state.refunds {
		if existing.ResourceID == refund.ResourceID {
			return ErrDuplicateRefund
		}
	}
	store.state.refunds = append(store.state.refunds, refund)
	return nil
}

func (store *memoryStore) CreateReservation(_ context.Context, reservation Reservation) error {
	defer store.lock()()
	key := reservationKey(reservation.UserID, reservation.ReservationID)
	if _, ok := store.state.reservations[key]; ok {
		return ErrReservationExists
	}
	store.state.reservations[key] = reservation
	return nil
}

func (store *memoryStore) GetReservation(_ context.Context, userID UserID, reservationID ReservationID) (Reservation, error) {
	defer store.lock()()
	reservation, ok := store.state.reservations[reservationKey(userID, reservationID)]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *memoryStore) UpdateReservationStatus(_ context.Context, userID UserID, reservationID ReservationID, from, to ReservationStatus) error {
	defer store.lock()()
	key := reservationKey(userID, reservationID)
	reservation, ok := store.state.reservations[key]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrReservationClosed
	}
	reservation.Status = to
	store.state.reservations[key] = reservation
	return nil
}

func (store *memoryStore) putAccount(account Account) {
	store.state.accounts[account.UserID.String()] = account
}

func (store *memoryStore) mustAccount(test *testing.T, userID UserID) Account {
	test.Helper()
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		test.Fatalf("account %s not found", userID.String())
	}
	return account
}

func (store *memoryStore) entriesOfType(entryType EntryType) []Entry {
	var matched []Entry
	for _, entry := range store.state.entries {
		if entry.Type == entryType {
			matched = append(matched, entry)
		}
	}
	return matched
}

func reservationKey(userID UserID, reservationID ReservationID) string {
	return userID.String() + "|" + reservationID.String()
}

type stubDirectory struct {
	subscribers         map[string]Subscriber
	resources           map[string]Resource
	lookupSubscriberErr error
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{subscribers: map[string]Subscriber{}, resources: map[string]Resource{}}
}

func (directory *stubDirectory) LookupSubscriber(_ context.Context, userID UserID) (Subscriber, error) {
	if directory.lookupSubscriberErr != nil {
		return Subscriber{}, directory.lookupSubscriberErr
	}
	subscriber, ok := directory.subscribers[userID.String()]
	if !ok {
		return Subscriber{}, ErrSubscriberNotFound
	}
	return subscriber, nil
}

func (directory *stubDirectory) LookupResource(_ context.Context, resourceID ResourceID) (Resource, error) {
	resource, ok := directory.resources[resourceID.String()]
	if !ok {
		return Resource{}, ErrResourceNotFound
	}
	return resource, nil
}

type testClock struct {
	mutex sync.Mutex
	now   int64
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at.UTC().Unix()}
}

func (clock *testClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now += int64(duration / time.Second)
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

type serviceFixture struct {
	store     *memoryStore
	directory *stubDirectory
	clock     *testClock
	logger    *recorderLogger
	service   *Service
}

func newServiceFixture(test *testing.T, options ...ServiceOption) serviceFixture {
	test.Helper()
	fixture := serviceFixture{
		store:     newMemoryStore(test),
		directory: newStubDirectory(),
		clock:     newTestClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)),
		logger:    &recorderLogger{},
	}
	options = append([]ServiceOption{WithOperationLogger(fixture.logger)}, options...)
	service, err := NewService(fixture.store, fixture.directory, fixture.directory, DefaultQuotaCatalog(), DefaultPackCatalog(), fixture.clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	fixture.service = service
	return fixture
}

func (fixture serviceFixture) subscribe(test *testing.T, rawUserID string, rawPlan string, expiresAt int64) UserID {
	test.Helper()
	userID := mustUserID(test, rawUserID)
	fixture.directory.subscribers[userID.String()] = Subscriber{
		UserID:                       userID,
		Plan:                         mustPlanID(test, rawPlan),
		SubscriptionExpiresAtUnixUTC: expiresAt,
	}
	return userID
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	planID, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	return planID
}

func mustPackID(test *testing.T, raw string) PackID {
	test.Helper()
	packID, err := NewPackID(raw)
	if err != nil {
		test.Fatalf("pack id: %v", err)
	}
	return packID
}

func mustPaymentReference(test *testing.T, raw string) PaymentReference {
	test.Helper()
	reference, err := NewPaymentReference(raw)
	if err != nil {
		test.Fatalf("payment reference: %v", err)
	}
	return reference
}

func mustResourceID(test *testing.T, raw string) ResourceID {
	test.Helper()
	resourceID, err := NewResourceID(raw)
	if err != nil {
		test.Fatalf("resource id: %v", err)
	}
	return resourceID
}

func mustFeedbackID(test *testing.T, raw string) FeedbackID {
	test.Helper()
	feedbackID, err := NewFeedbackID(raw)
	if err != nil {
		test.Fatalf("feedback id: %v", err)
	}
	return feedbackID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}
