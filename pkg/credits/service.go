package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Service contains the credit domain logic over a Store.
type Service struct {
	store         Store
	subscribers   SubscriberDirectory
	resources     ResourceDirectory
	quotas        QuotaCatalog
	packs         PackCatalog
	scheduler     ResetScheduler
	nowFn         func() int64
	newID         func() string
	logger        OperationLogger
	retryAttempts int
}

// NewService wires a Service.
func NewService(store Store, subscribers SubscriberDirectory, resources ResourceDirectory, quotas QuotaCatalog, packs PackCatalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if subscribers == nil {
		return nil, fmt.Errorf("%w: subscriber directory is nil", ErrInvalidServiceConfig)
	}
	if resources == nil {
		return nil, fmt.Errorf("%w: resource directory is nil", ErrInvalidServiceConfig)
	}
	if quotas.quotas == nil {
		return nil, fmt.Errorf("%w: quota catalog is empty", ErrInvalidServiceConfig)
	}
	if packs.packs == nil {
		return nil, fmt.Errorf("%w: pack catalog is empty", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		subscribers:   subscribers,
		resources:     resources,
		quotas:        quotas,
		packs:         packs,
		scheduler:     NewResetScheduler(quotas, DefaultResetCycleDays),
		nowFn:         now,
		newID:         uuid.NewString,
		retryAttempts: defaultRetryAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current balance, applying a due reset first.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	subscriber, err := service.lookupSubscriber(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	var balance Balance
	err = service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := service.currentAccount(ctx, transactionStore, subscriber)
		if err != nil {
			return err
		}
		balance = balanceOf(account)
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// HasEnough reports whether at least amount credits are available across both pools.
func (service *Service) HasEnough(ctx context.Context, userID UserID, amount int64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("%w: must be >= 0", ErrInvalidCreditAmount)
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.TotalAvailable >= amount, nil
}

// Consume spends one credit, monthly pool first.
func (service *Service) Consume(ctx context.Context, userID UserID) (ConsumeResult, error) {
	var pool CreditPool
	operationError := service.consume(ctx, userID, &pool)
	service.logOperation(ctx, OperationLog{
		Operation:  operationConsume,
		UserID:     userID,
		CreditType: pool,
		Amount:     1,
		Error:      operationError,
	})
	if operationError != nil {
		return ConsumeResult{}, operationError
	}
	account, err := service.readCommittedAccount(ctx, userID)
	if err != nil {
		return ConsumeResult{CreditType: pool}, err
	}
	return ConsumeResult{CreditType: pool, Remaining: account.TotalAvailable()}, nil
}

func (service *Service) consume(ctx context.Context, userID UserID, pool *CreditPool) error {
	subscriber, err := service.lookupSubscriber(ctx, userID)
	if err != nil {
		return err
	}
	return service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := service.currentAccount(ctx, transactionStore, subscriber)
		if err != nil {
			return err
		}
		selected, err := service.debitOne(ctx, transactionStore, account, true)
		if err != nil {
			return err
		}
		*pool = selected
		return transactionStore.InsertEntry(ctx, service.newEntry(userID, EntryConsume, selected, -1, "", idempotencyKeyFor(idempotencyPrefixConsume, service.newID())))
	})
}

// InitializeAccount creates the account from the plan's quota when absent and leaves an existing account untouched.
func (service *Service) InitializeAccount(ctx context.Context, userID UserID, plan PlanID) error {
	created := false
	operationError := service.inTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
		subscriber := Subscriber{UserID: userID, Plan: plan}
		_, inserted, err := service.lockOrCreateAccount(ctx, transactionStore, subscriber)
		created = inserted
		return err
	})
	status := ""
	if operationError == nil && !created {
		status = operationStatusSkipped
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationInitialize,
		UserID:    userID,
		Reference: service.quotas.Canonical(plan).String(),
		Status:    status,
		Error:     operationError,
	})
	return operationError
}

// ListEntries pages the journal backwards from cursor. A zero cursor starts at the newest entry;
// pass NextEntryCursor of the previous page to continue.
func (service *Service) ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	if cursor.BeforeUnixUTC <= 0 {
		cursor = EntryCursor{BeforeUnixUTC: service.nowFn() + 1}
	}
	if cursor.BeforeEntryID != "" {
		parsed, err := uuid.Parse(cursor.BeforeEntryID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntryCursor, err)
		}
		cursor.BeforeEntryID = parsed.String()
	}
	return service.store.ListEntries(ctx, userID, cursor, NormalizeListLimit(limit))
}

// NormalizeListLimit clamps a requested page size to the supported range.
func NormalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListEntriesLimit
	}
	if limit > maximumListEntriesLimit {
		return maximumListEntriesLimit
	}
	return limit
}

// inTransaction runs fn in a store transaction, retrying transient failures.
func (service *Service) inTransaction(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var err error
	for attempt := 0; attempt < service.retryAttempts; attempt++ {
		err = service.store.WithTx(ctx, fn)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// readCommittedAccount re-reads an account after a committed mutation. A failure here is
// never reported as transient: the mutation already happened and must not be retried.
func (service *Service) readCommittedAccount(ctx context.Context, userID UserID) (Account, error) {
	var err error
	for attempt := 0; attempt < service.retryAttempts; attempt++ {
		var account Account
		account, err = service.store.GetAccount(ctx, userID)
		if err == nil {
			return account, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return Account{}, fmt.Errorf("%w: %v", ErrCommittedBalanceRead, err)
}

// lookupSubscriber treats users unknown to the directory as fallback-plan subscribers.
func (service *Service) lookupSubscriber(ctx context.Context, userID UserID) (Subscriber, error) {
	subscriber, err := service.subscribers.LookupSubscriber(ctx, userID)
	if errors.Is(err, ErrSubscriberNotFound) {
		return Subscriber{UserID: userID, Plan: service.quotas.FallbackPlan()}, nil
	}
	if err != nil {
		return Subscriber{}, err
	}
	subscriber.UserID = userID
	return subscriber, nil
}

// currentAccount locks the account (creating it lazily) and applies a due reset.
func (service *Service) currentAccount(ctx context.Context, transactionStore Store, subscriber Subscriber) (Account, error) {
	account, _, err := service.lockOrCreateAccount(ctx, transactionStore, subscriber)
	if err != nil {
		return Account{}, err
	}
	nowUnixUTC := service.nowFn()
	updated, due := service.scheduler.EnsureCurrent(account, subscriber, nowUnixUTC)
	if !due {
		return account, nil
	}
	if err := transactionStore.ResetAccount(ctx, account.UserID, updated.MonthlyCredits, updated.LastResetUnixUTC); err != nil {
		return Account{}, err
	}
	resetKey := idempotencyKeyFor(idempotencyPrefixReset, strconv.FormatInt(nowUnixUTC, 10))
	entry := service.newEntry(account.UserID, EntryReset, CreditPoolMonthly, updated.MonthlyCredits-account.MonthlyCredits, service.scheduler.EffectivePlan(subscriber, nowUnixUTC).String(), resetKey)
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Account{}, err
	}
	return updated, nil
}

func (service *Service) lockOrCreateAccount(ctx context.Context, transactionStore Store, subscriber Subscriber) (Account, bool, error) {
	account, found, err := transactionStore.LockAccount(ctx, subscriber.UserID)
	if err != nil {
		return Account{}, false, err
	}
	if found {
		return account, false, nil
	}
	nowUnixUTC := service.nowFn()
	quota := service.scheduler.QuotaAt(subscriber, nowUnixUTC)
	inserted, err := transactionStore.CreateAccount(ctx, Account{
		UserID:           subscriber.UserID,
		MonthlyCredits:   quota,
		LastResetUnixUTC: nowUnixUTC,
		CreatedUnixUTC:   nowUnixUTC,
	})
	if err != nil {
		return Account{}, false, err
	}
	if inserted {
		entry := service.newEntry(subscriber.UserID, EntryInitialize, CreditPoolMonthly, quota, service.scheduler.EffectivePlan(subscriber, nowUnixUTC).String(), idempotencyKeyFor(idempotencyPrefixInitialize, subscriber.UserID.String()))
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return Account{}, false, err
		}
	}
	account, found, err = transactionStore.LockAccount(ctx, subscriber.UserID)
	if err != nil {
		return Account{}, false, err
	}
	if !found {
		return Account{}, false, ErrAccountNotFound
	}
	return account, inserted, nil
}

// debitOne takes one credit from the monthly pool, or the purchased pool when monthly is empty.
func (service *Service) debitOne(ctx context.Context, transactionStore Store, account Account, recordUsage bool) (CreditPool, error) {
	if account.TotalAvailable() < 1 {
		return "", ErrInsufficientCredits
	}
	pool := CreditPoolPurchased
	if account.MonthlyCredits > 0 {
		pool = CreditPoolMonthly
	}
	if err := transactionStore.DebitCredit(ctx, account.UserID, pool, recordUsage); err != nil {
		return "", err
	}
	return pool, nil
}

func (service *Service) newEntry(userID UserID, entryType EntryType, pool CreditPool, amount int64, referenceID string, key IdempotencyKey) Entry {
	return Entry{
		EntryID:        service.newID(),
		UserID:         userID,
		Type:           entryType,
		Pool:           pool,
		Amount:         amount,
		ReferenceID:    referenceID,
		IdempotencyKey: key,
		Metadata:       MetadataJSON{},
		CreatedUnixUTC: service.nowFn(),
	}
}

func idempotencyKeyFor(prefix string, parts ...string) IdempotencyKey {
	return IdempotencyKey{value: strings.Join(append([]string{prefix}, parts...), ":")}
}
