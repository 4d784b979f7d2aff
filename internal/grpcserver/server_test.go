package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	creditsv1 "github.com/MarkoPoloResearchLab/creditledger/api/credits/v1"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/gorm"
)

const (
	testNowUnixUTC int64 = 1773144000 // 2026-03-10T12:00:00Z
	bufferSize           = 1024 * 1024
)

type ledgerHarness struct {
	client    *creditsv1.CreditLedgerClient
	directory *gormstore.Directory
}

func newLedgerHarness(test *testing.T) ledgerHarness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/grpc.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	directory := gormstore.NewDirectory(db)
	service, err := credits.NewService(gormstore.New(db), directory, directory, credits.DefaultQuotaCatalog(), credits.DefaultPackCatalog(), func() int64 { return testNowUnixUTC })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	listener := bufconn.Listen(bufferSize)
	grpcServer := grpc.NewServer()
	creditsv1.RegisterCreditLedgerServer(grpcServer, NewCreditLedgerServer(service))
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	test.Cleanup(grpcServer.Stop)

	connection, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() { _ = connection.Close() })
	return ledgerHarness{client: creditsv1.NewCreditLedgerClient(connection), directory: directory}
}

func (harness ledgerHarness) call(test *testing.T, method string, fields map[string]any) (*structpb.Struct, error) {
	test.Helper()
	request, err := creditsv1.Request(fields)
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	return harness.client.Call(context.Background(), method, request)
}

func (harness ledgerHarness) mustCall(test *testing.T, method string, fields map[string]any) *structpb.Struct {
	test.Helper()
	response, err := harness.call(test, method, fields)
	if err != nil {
		test.Fatalf("%s: %v", method, err)
	}
	return response
}

func expectCode(test *testing.T, err error, code codes.Code, message string) {
	test.Helper()
	if status.Code(err) != code {
		test.Fatalf("expected %s, got %v", code, err)
	}
	if message != "" && status.Convert(err).Message() != message {
		test.Fatalf("expected message %q, got %q", message, status.Convert(err).Message())
	}
}

func TestConsumeOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newLedgerHarness(test)
	user := map[string]any{creditsv1.FieldUserID: "user-grpc"}

	for index := 0; index < 5; index++ {
		response := harness.mustCall(test, creditsv1.MethodConsume, user)
		if creditsv1.StringField(response, creditsv1.FieldCreditType) != "monthly" {
			test.Fatalf("expected monthly credit, got %v", response)
		}
		if remaining := creditsv1.IntField(response, creditsv1.FieldRemaining); remaining != int64(4-index) {
			test.Fatalf("expected %d remaining, got %d", 4-index, remaining)
		}
	}
	_, err := harness.call(test, creditsv1.MethodConsume, user)
	expectCode(test, err, codes.FailedPrecondition, errorInsufficientCredits)

	balance := harness.mustCall(test, creditsv1.MethodGetBalance, user)
	if creditsv1.IntField(balance, creditsv1.FieldTotalCreditsUsed) != 5 || creditsv1.IntField(balance, creditsv1.FieldTotalAvailable) != 0 {
		test.Fatalf("unexpected balance %v", balance)
	}
	enough := harness.mustCall(test, creditsv1.MethodHasEnough, map[string]any{creditsv1.FieldUserID: "user-grpc", creditsv1.FieldAmount: 1})
	if creditsv1.BoolField(enough, creditsv1.FieldHasEnough) {
		test.Fatalf("expected has_enough=false")
	}
}

func TestPurchaseOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newLedgerHarness(test)

	recorded := harness.mustCall(test, creditsv1.MethodRecordPurchase, map[string]any{
		creditsv1.FieldUserID:           "user-buyer",
		creditsv1.FieldPackID:           "pack_25",
		creditsv1.FieldPaymentReference: "pay-1",
	})
	if creditsv1.StringField(recorded, creditsv1.FieldPurchaseID) == "" {
		test.Fatalf("expected purchase id")
	}
	_, err := harness.call(test, creditsv1.MethodRecordPurchase, map[string]any{
		creditsv1.FieldUserID:           "user-buyer",
		creditsv1.FieldPackID:           "pack_25",
		creditsv1.FieldPaymentReference: "pay-1",
	})
	expectCode(test, err, codes.AlreadyExists, errorDuplicatePaymentRef)

	for attempt, expected := range []bool{true, false} {
		completed := harness.mustCall(test, creditsv1.MethodCompletePurchase, map[string]any{creditsv1.FieldPaymentReference: "pay-1"})
		if creditsv1.BoolField(completed, creditsv1.FieldApplied) != expected {
			test.Fatalf("attempt %d: expected applied=%v", attempt, expected)
		}
	}
	balance := harness.mustCall(test, creditsv1.MethodGetBalance, map[string]any{creditsv1.FieldUserID: "user-buyer"})
	if creditsv1.IntField(balance, creditsv1.FieldPurchasedCredits) != 25 {
		test.Fatalf("expected 25 purchased credits, got %v", balance)
	}

	_, err = harness.call(test, creditsv1.MethodRecordPurchase, map[string]any{
		creditsv1.FieldUserID:           "user-buyer",
		creditsv1.FieldPackID:           "pack_3",
		creditsv1.FieldPaymentReference: "pay-2",
	})
	expectCode(test, err, codes.InvalidArgument, errorInvalidPackType)
}

func TestRefundOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newLedgerHarness(test)
	userID, err := credits.NewUserID("user-refund")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	resourceID, err := credits.NewResourceID("pattern-1")
	if err != nil {
		test.Fatalf("resource id: %v", err)
	}
	if err := harness.directory.SaveResource(context.Background(), credits.Resource{ResourceID: resourceID, OwnerID: userID, CreatedUnixUTC: testNowUnixUTC - 3600}); err != nil {
		test.Fatalf("save resource: %v", err)
	}
	target := map[string]any{creditsv1.FieldUserID: "user-refund", creditsv1.FieldResourceID: "pattern-1"}

	eligibility := harness.mustCall(test, creditsv1.MethodCanRefund, target)
	if !creditsv1.BoolField(eligibility, creditsv1.FieldAllowed) {
		test.Fatalf("expected refund to be allowed, got %v", eligibility)
	}
	refundRequest := map[string]any{
		creditsv1.FieldUserID:     "user-refund",
		creditsv1.FieldResourceID: "pattern-1",
		creditsv1.FieldFeedbackID: "feedback-1",
		creditsv1.FieldReason:     "blurry",
	}
	refunded := harness.mustCall(test, creditsv1.MethodRefund, refundRequest)
	if creditsv1.StringField(refunded, creditsv1.FieldRefundID) == "" {
		test.Fatalf("expected refund id")
	}
	if purchased := creditsv1.IntField(creditsv1.StructField(refunded, creditsv1.FieldBalance), creditsv1.FieldPurchasedCredits); purchased != 1 {
		test.Fatalf("expected 1 purchased credit, got %d", purchased)
	}

	_, err = harness.call(test, creditsv1.MethodRefund, refundRequest)
	expectCode(test, err, codes.AlreadyExists, errorDuplicateRefund)

	eligibility = harness.mustCall(test, creditsv1.MethodCanRefund, target)
	if creditsv1.BoolField(eligibility, creditsv1.FieldAllowed) || creditsv1.StringField(eligibility, creditsv1.FieldReason) != credits.RefundReasonAlreadyRefunded {
		test.Fatalf("unexpected eligibility %v", eligibility)
	}
}

func TestReservationAndEntriesOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newLedgerHarness(test)
	hold := map[string]any{creditsv1.FieldUserID: "user-hold", creditsv1.FieldReservationID: "job-1"}

	reserved := harness.mustCall(test, creditsv1.MethodReserve, hold)
	if creditsv1.StringField(reserved, creditsv1.FieldCreditType) != "monthly" {
		test.Fatalf("unexpected reserve response %v", reserved)
	}
	_, err := harness.call(test, creditsv1.MethodReserve, hold)
	expectCode(test, err, codes.AlreadyExists, errorReservationExists)

	harness.mustCall(test, creditsv1.MethodRelease, hold)
	_, err = harness.call(test, creditsv1.MethodCapture, hold)
	expectCode(test, err, codes.FailedPrecondition, errorReservationClosed)

	_, err = harness.call(test, creditsv1.MethodCapture, map[string]any{creditsv1.FieldUserID: "user-hold", creditsv1.FieldReservationID: "job-404"})
	expectCode(test, err, codes.NotFound, errorUnknownReservation)

	listed := harness.mustCall(test, creditsv1.MethodListEntries, map[string]any{creditsv1.FieldUserID: "user-hold", creditsv1.FieldLimit: 10})
	entries := creditsv1.ListField(listed, creditsv1.FieldEntries)
	if len(entries) != 3 {
		test.Fatalf("expected initialize, hold and release entries, got %d", len(entries))
	}
	types := map[string]bool{}
	for _, entry := range entries {
		types[creditsv1.StringField(entry, creditsv1.FieldType)] = true
	}
	for _, expected := range []string{"initialize", "hold", "release"} {
		if !types[expected] {
			test.Fatalf("missing %s entry in %v", expected, types)
		}
	}
}

func TestInvalidArgumentsOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newLedgerHarness(test)
	testCases := []struct {
		method  string
		fields  map[string]any
		message string
	}{
		{method: creditsv1.MethodGetBalance, fields: map[string]any{}, message: errorInvalidUserID},
		{method: creditsv1.MethodHasEnough, fields: map[string]any{creditsv1.FieldUserID: "u", creditsv1.FieldAmount: -2}, message: errorInvalidAmount},
		{method: creditsv1.MethodCompletePurchase, fields: map[string]any{}, message: errorInvalidPaymentReference},
		{method: creditsv1.MethodRefund, fields: map[string]any{creditsv1.FieldUserID: "u", creditsv1.FieldResourceID: "r"}, message: errorInvalidFeedbackID},
		{method: creditsv1.MethodReserve, fields: map[string]any{creditsv1.FieldUserID: "u"}, message: errorInvalidReservationID},
	}
	for _, testCase := range testCases {
		_, err := harness.call(test, testCase.method, testCase.fields)
		expectCode(test, err, codes.InvalidArgument, testCase.message)
	}
}

func TestMapToGRPCErrorTransient(test *testing.T) {
	test.Parallel()
	err := mapToGRPCError(credits.WrapError("store", "account", "lock", credits.TransientError(errors.New("deadlock"))))
	expectCode(test, err, codes.Unavailable, errorTransientStoreFailure)

	err = mapToGRPCError(fmt.Errorf("boom"))
	expectCode(test, err, codes.Internal, "boom")
}

func TestListEntriesPagesThroughEntriesSharingOneSecond(test *testing.T) {
	test.Parallel()
	harness := newLedgerHarness(test)
	user := map[string]any{creditsv1.FieldUserID: "user-pages"}
	for index := 0; index < 4; index++ {
		harness.mustCall(test, creditsv1.MethodConsume, user)
	}

	seen := map[string]bool{}
	request := map[string]any{creditsv1.FieldUserID: "user-pages", creditsv1.FieldLimit: 2}
	for page := 0; page < 4; page++ {
		listed := harness.mustCall(test, creditsv1.MethodListEntries, request)
		entries := creditsv1.ListField(listed, creditsv1.FieldEntries)
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			entryID := creditsv1.StringField(entry, creditsv1.FieldEntryID)
			if seen[entryID] {
				test.Fatalf("entry %s returned twice", entryID)
			}
			seen[entryID] = true
		}
		request = map[string]any{
			creditsv1.FieldUserID:        "user-pages",
			creditsv1.FieldLimit:         2,
			creditsv1.FieldBeforeUnixUTC: creditsv1.IntField(listed, creditsv1.FieldNextBeforeUnixUTC),
			creditsv1.FieldBeforeEntryID: creditsv1.StringField(listed, creditsv1.FieldNextBeforeEntryID),
		}
	}
	if len(seen) != 5 {
		test.Fatalf("expected initialize and four consume entries across pages, got %d", len(seen))
	}

	_, err := harness.call(test, creditsv1.MethodListEntries, map[string]any{
		creditsv1.FieldUserID:        "user-pages",
		creditsv1.FieldBeforeUnixUTC: testNowUnixUTC,
		creditsv1.FieldBeforeEntryID: "not-a-uuid",
	})
	expectCode(test, err, codes.InvalidArgument, errorInvalidEntryCursor)
}
