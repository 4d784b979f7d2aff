package grpcserver

import (
	"context"
	"errors"
	"strings"

	creditsv1 "github.com/MarkoPoloResearchLab/creditledger/api/credits/v1"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientCredits      = "insufficient_credits"
	errorInvalidPackType          = "invalid_pack_type"
	errorInvalidUserID            = "invalid_user_id"
	errorInvalidPlanID            = "invalid_plan_id"
	errorInvalidPackID            = "invalid_pack_id"
	errorInvalidPaymentReference  = "invalid_payment_reference"
	errorInvalidResourceID        = "invalid_resource_id"
	errorInvalidFeedbackID        = "invalid_feedback_id"
	errorInvalidReservationID     = "invalid_reservation_id"
	errorInvalidAmount            = "invalid_credit_amount"
	errorInvalidEntryCursor       = "invalid_entry_cursor"
	errorInvalidResponse          = "invalid_response"
	errorDuplicatePaymentRef      = "duplicate_payment_reference"
	errorDuplicateRefund          = "duplicate_refund"
	errorDuplicateIdempotencyKey  = "duplicate_idempotency_key"
	errorRefundLimitExceeded      = "refund_limit_exceeded"
	errorRefundWindowExpired      = "refund_window_expired"
	errorResourceNotFound         = "resource_not_found"
	errorUnknownReservation       = "unknown_reservation"
	errorReservationExists        = "reservation_exists"
	errorReservationClosed        = "reservation_closed"
	errorTransientStoreFailure    = "transient_store_failure"
	errorPurchaseAlreadyCompleted = "purchase_already_completed"
)

// CreditLedgerServer exposes the credit ledger over gRPC.
type CreditLedgerServer struct {
	creditsv1.UnimplementedCreditLedgerServer
	creditService *credits.Service
}

// NewCreditLedgerServer constructs a gRPC server for the credit service.
func NewCreditLedgerServer(creditService *credits.Service) *CreditLedgerServer {
	return &CreditLedgerServer{creditService: creditService}
}

func (server *CreditLedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.creditService.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(balanceFields(balance))
}

func (server *CreditLedgerServer) HasEnough(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	enough, operationError := server.creditService.HasEnough(ctx, userID, creditsv1.IntField(request, creditsv1.FieldAmount))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditsv1.FieldHasEnough: enough})
}

func (server *CreditLedgerServer) Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.creditService.Consume(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{
		creditsv1.FieldCreditType: result.CreditType.String(),
		creditsv1.FieldRemaining:  result.Remaining,
	})
}

func (server *CreditLedgerServer) InitializeAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var plan credits.PlanID
	if rawPlan := creditsv1.StringField(request, creditsv1.FieldPlan); strings.TrimSpace(rawPlan) != "" {
		plan, err = credits.NewPlanID(rawPlan)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	if operationError := server.creditService.InitializeAccount(ctx, userID, plan); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *CreditLedgerServer) RecordPurchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	packID, err := credits.NewPackID(creditsv1.StringField(request, creditsv1.FieldPackID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reference, err := credits.NewPaymentReference(creditsv1.StringField(request, creditsv1.FieldPaymentReference))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	purchaseID, operationError := server.creditService.RecordPurchase(ctx, userID, packID, reference)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditsv1.FieldPurchaseID: purchaseID})
}

func (server *CreditLedgerServer) CompletePurchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	reference, err := credits.NewPaymentReference(creditsv1.StringField(request, creditsv1.FieldPaymentReference))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	applied, operationError := server.creditService.CompletePurchase(ctx, reference)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditsv1.FieldApplied: applied})
}

func (server *CreditLedgerServer) CanRefund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	resourceID, err := credits.NewResourceID(creditsv1.StringField(request, creditsv1.FieldResourceID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	eligibility, operationError := server.creditService.CanRefund(ctx, userID, resourceID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{
		creditsv1.FieldAllowed: eligibility.Allowed,
		creditsv1.FieldReason:  eligibility.Reason,
	})
}

func (server *CreditLedgerServer) Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	resourceID, err := credits.NewResourceID(creditsv1.StringField(request, creditsv1.FieldResourceID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	feedbackID, err := credits.NewFeedbackID(creditsv1.StringField(request, creditsv1.FieldFeedbackID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.creditService.Refund(ctx, userID, resourceID, feedbackID, creditsv1.StringField(request, creditsv1.FieldReason))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{
		creditsv1.FieldRefundID: result.RefundID,
		creditsv1.FieldBalance:  balanceFields(result.NewBalance),
	})
}

func (server *CreditLedgerServer) Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, reservationID, err := reservationTarget(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	pool, operationError := server.creditService.Reserve(ctx, userID, reservationID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditsv1.FieldCreditType: pool.String()})
}

func (server *CreditLedgerServer) Capture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, reservationID, err := reservationTarget(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.creditService.Capture(ctx, userID, reservationID); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *CreditLedgerServer) Release(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, reservationID, err := reservationTarget(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := server.creditService.Release(ctx, userID, reservationID); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &structpb.Struct{}, nil
}

func (server *CreditLedgerServer) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit := credits.NormalizeListLimit(int(creditsv1.IntField(request, creditsv1.FieldLimit)))
	cursor := credits.EntryCursor{
		BeforeUnixUTC: creditsv1.IntField(request, creditsv1.FieldBeforeUnixUTC),
		BeforeEntryID: creditsv1.StringField(request, creditsv1.FieldBeforeEntryID),
	}
	entries, operationError := server.creditService.ListEntries(ctx, userID, cursor, limit)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	items := make([]any, 0, len(entries))
	for _, entryRecord := range entries {
		items = append(items, map[string]any{
			creditsv1.FieldEntryID:        entryRecord.EntryID,
			creditsv1.FieldType:           entryRecord.Type.String(),
			creditsv1.FieldPool:           entryRecord.Pool.String(),
			creditsv1.FieldAmount:         entryRecord.Amount,
			creditsv1.FieldReferenceID:    entryRecord.ReferenceID,
			creditsv1.FieldIdempotencyKey: entryRecord.IdempotencyKey.String(),
			creditsv1.FieldMetadataJSON:   entryRecord.Metadata.String(),
			creditsv1.FieldCreatedUnixUTC: entryRecord.CreatedUnixUTC,
		})
	}
	response := map[string]any{creditsv1.FieldEntries: items}
	if next, ok := credits.NextEntryCursor(entries); ok {
		response[creditsv1.FieldNextBeforeUnixUTC] = next.BeforeUnixUTC
		response[creditsv1.FieldNextBeforeEntryID] = next.BeforeEntryID
	}
	return respond(response)
}

func reservationTarget(request *structpb.Struct) (credits.UserID, credits.ReservationID, error) {
	userID, err := credits.NewUserID(creditsv1.StringField(request, creditsv1.FieldUserID))
	if err != nil {
		return credits.UserID{}, credits.ReservationID{}, err
	}
	reservationID, err := credits.NewReservationID(creditsv1.StringField(request, creditsv1.FieldReservationID))
	if err != nil {
		return credits.UserID{}, credits.ReservationID{}, err
	}
	return userID, reservationID, nil
}

func balanceFields(balance credits.Balance) map[string]any {
	return map[string]any{
		creditsv1.FieldMonthlyCredits:       balance.MonthlyCredits,
		creditsv1.FieldPurchasedCredits:     balance.PurchasedCredits,
		creditsv1.FieldTotalAvailable:       balance.TotalAvailable,
		creditsv1.FieldCreditsUsedThisMonth: balance.CreditsUsedThisMonth,
		creditsv1.FieldTotalCreditsUsed:     balance.TotalCreditsUsed,
		creditsv1.FieldLastResetAtUnixUTC:   balance.LastResetAtUnixUTC,
	}
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, errorInvalidResponse)
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, credits.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, credits.ErrInvalidPlanID):
		return status.Error(codes.InvalidArgument, errorInvalidPlanID)
	case errors.Is(source, credits.ErrInvalidPackID):
		return status.Error(codes.InvalidArgument, errorInvalidPackID)
	case errors.Is(source, credits.ErrInvalidPackType):
		return status.Error(codes.InvalidArgument, errorInvalidPackType)
	case errors.Is(source, credits.ErrInvalidPaymentReference):
		return status.Error(codes.InvalidArgument, errorInvalidPaymentReference)
	case errors.Is(source, credits.ErrInvalidResourceID):
		return status.Error(codes.InvalidArgument, errorInvalidResourceID)
	case errors.Is(source, credits.ErrInvalidFeedbackID):
		return status.Error(codes.InvalidArgument, errorInvalidFeedbackID)
	case errors.Is(source, credits.ErrInvalidReservationID):
		return status.Error(codes.InvalidArgument, errorInvalidReservationID)
	case errors.Is(source, credits.ErrInvalidCreditAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, credits.ErrInvalidEntryCursor):
		return status.Error(codes.InvalidArgument, errorInvalidEntryCursor)
	case errors.Is(source, credits.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	case errors.Is(source, credits.ErrRefundLimitExceeded):
		return status.Error(codes.FailedPrecondition, errorRefundLimitExceeded)
	case errors.Is(source, credits.ErrRefundWindowExpired):
		return status.Error(codes.FailedPrecondition, errorRefundWindowExpired)
	case errors.Is(source, credits.ErrReservationClosed):
		return status.Error(codes.FailedPrecondition, errorReservationClosed)
	case errors.Is(source, credits.ErrPurchaseAlreadyCompleted):
		return status.Error(codes.FailedPrecondition, errorPurchaseAlreadyCompleted)
	case errors.Is(source, credits.ErrDuplicatePaymentReference):
		return status.Error(codes.AlreadyExists, errorDuplicatePaymentRef)
	case errors.Is(source, credits.ErrDuplicateRefund):
		return status.Error(codes.AlreadyExists, errorDuplicateRefund)
	case errors.Is(source, credits.ErrDuplicateIdempotencyKey):
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	case errors.Is(source, credits.ErrReservationExists):
		return status.Error(codes.AlreadyExists, errorReservationExists)
	case errors.Is(source, credits.ErrResourceNotFound):
		return status.Error(codes.NotFound, errorResourceNotFound)
	case errors.Is(source, credits.ErrUnknownReservation):
		return status.Error(codes.NotFound, errorUnknownReservation)
	case credits.IsTransient(source):
		return status.Error(codes.Unavailable, errorTransientStoreFailure)
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
