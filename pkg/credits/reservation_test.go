package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReserveHoldsCreditWithoutRecordingUsage(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	userID := fixture.subscribe(test, "holder", "free", 0)
	fixture.store.putAccount(Account{UserID: userID, MonthlyCredits: 1, PurchasedCredits: 1, LastResetUnixUTC: fixture.clock.Now()})
	reservationID := mustReservationID(test, "job-1")

	pool, err := fixture.service.Reserve(context.Background(), userID, reservationID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if pool != CreditPoolMonthly {
		test.Fatalf("expected monthly hold, got %s", pool)
	}
	account := fixture.store.mustAccount(test, userID)
	if account.MonthlyCredits != 0 || account.TotalCreditsUsed != 0 || account.CreditsUsedThisMonth != 0 {
		test.Fatalf("unexpected account after hold %+v", account)
	}
	if _, err := fixture.service.Reserve(context.Background(), userID, reservationID); !errors.Is(err, ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}
}

func TestCaptureRecordsUsage(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	userID := fixture.subscribe(test, "holder", "free", 0)
	fixture.store.putAccount(Account{UserID: userID, MonthlyCredits: 2, LastResetUnixUTC: fixture.clock.Now()})
	reservationID := mustReservationID(test, "job-2")
	if _, err := fixture.service.Reserve(context.Background(), userID, reservationID); err != nil {
		test.Fatalf("reserve: %v", err)
	}

	if err := fixture.service.Capture(context.Background(), userID, reservationID); err != nil {
		test.Fatalf("capture: %v", err)
	}
	account := fixture.store.mustAccount(test, userID)
	if account.MonthlyCredits != 1 || account.CreditsUsedThisMonth != 1 || account.TotalCreditsUsed != 1 {
		test.Fatalf("unexpected account after capture %+v", account)
	}
	if err := fixture.service.Capture(context.Background(), userID, reservationID); !errors.Is(err, ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed, got %v", err)
	}
	if err := fixture.service.Release(context.Background(), userID, reservationID); !errors.Is(err, ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed on release after capture, got %v", err)
	}
}

func TestReleaseReturnsCreditToItsPool(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	userID := fixture.subscribe(test, "holder", "free", 0)
	fixture.store.putAccount(Account{UserID: userID, MonthlyCredits: 0, PurchasedCredits: 2, LastResetUnixUTC: fixture.clock.Now()})
	reservationID := mustReservationID(test, "job-3")
	pool, err := fixture.service.Reserve(context.Background(), userID, reservationID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if pool != CreditPoolPurchased {
		test.Fatalf("expected purchased hold, got %s", pool)
	}

	if err := fixture.service.Release(context.Background(), userID, reservationID); err != nil {
		test.Fatalf("release: %v", err)
	}
	account := fixture.store.mustAccount(test, userID)
	if account.PurchasedCredits != 2 || account.TotalCreditsUsed != 0 {
		test.Fatalf("unexpected account after release %+v", account)
	}
	releases := fixture.store.entriesOfType(EntryRelease)
	if len(releases) != 1 || releases[0].Amount != 1 {
		test.Fatalf("expected one release entry of +1, got %+v", releases)
	}
}

func TestReleaseAfterResetLetsMonthlyHoldLapse(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	userID := fixture.subscribe(test, "holder", "plus", 0)
	fixture.store.putAccount(Account{UserID: userID, MonthlyCredits: 1, LastResetUnixUTC: fixture.clock.Now()})
	reservationID := mustReservationID(test, "job-4")
	if _, err := fixture.service.Reserve(context.Background(), userID, reservationID); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	fixture.clock.Advance(30 * 24 * time.Hour)

	if err := fixture.service.Release(context.Background(), userID, reservationID); err != nil {
		test.Fatalf("release: %v", err)
	}
	account := fixture.store.mustAccount(test, userID)
	if account.MonthlyCredits != 15 {
		test.Fatalf("expected a fresh plus quota without the lapsed hold, got %d", account.MonthlyCredits)
	}
}

func TestReserveWithoutCreditsFails(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	userID := fixture.subscribe(test, "holder", "free", 0)
	fixture.store.putAccount(Account{UserID: userID, LastResetUnixUTC: fixture.clock.Now()})

	_, err := fixture.service.Reserve(context.Background(), userID, mustReservationID(test, "job-5"))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(fixture.store.state.reservations) != 0 {
		test.Fatalf("failed hold must not create a reservation")
	}
}

func TestCaptureUnknownReservation(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	userID := fixture.subscribe(test, "holder", "free", 0)

	err := fixture.service.Capture(context.Background(), userID, mustReservationID(test, "missing"))
	if !errors.Is(err, ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}
