package creditsv1

import (
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// Request and response field names.
const (
	FieldUserID               = "user_id"
	FieldPlan                 = "plan"
	FieldAmount               = "amount"
	FieldPackID               = "pack_id"
	FieldPaymentReference     = "payment_reference"
	FieldPurchaseID           = "purchase_id"
	FieldResourceID           = "resource_id"
	FieldFeedbackID           = "feedback_id"
	FieldReason               = "reason"
	FieldReservationID        = "reservation_id"
	FieldBeforeUnixUTC        = "before_unix_utc"
	FieldBeforeEntryID        = "before_entry_id"
	FieldNextBeforeUnixUTC    = "next_before_unix_utc"
	FieldNextBeforeEntryID    = "next_before_entry_id"
	FieldLimit                = "limit"
	FieldMonthlyCredits       = "monthly_credits"
	FieldPurchasedCredits     = "purchased_credits"
	FieldTotalAvailable       = "total_available"
	FieldCreditsUsedThisMonth = "credits_used_this_month"
	FieldTotalCreditsUsed     = "total_credits_used"
	FieldLastResetAtUnixUTC   = "last_reset_at_unix_utc"
	FieldHasEnough            = "has_enough"
	FieldCreditType           = "credit_type"
	FieldRemaining            = "remaining"
	FieldApplied              = "applied"
	FieldAllowed              = "allowed"
	FieldRefundID             = "refund_id"
	FieldBalance              = "balance"
	FieldEntries              = "entries"
	FieldEntryID              = "entry_id"
	FieldType                 = "type"
	FieldPool                 = "pool"
	FieldReferenceID          = "reference_id"
	FieldIdempotencyKey       = "idempotency_key"
	FieldMetadataJSON         = "metadata_json"
	FieldCreatedUnixUTC       = "created_unix_utc"
)

// StringField returns the string value at key or "" when absent or not a string.
func StringField(message *structpb.Struct, key string) string {
	value, ok := message.GetFields()[key]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// IntField returns the numeric value at key truncated to int64, or 0 when absent.
func IntField(message *structpb.Struct, key string) int64 {
	value, ok := message.GetFields()[key]
	if !ok {
		return 0
	}
	number := value.GetNumberValue()
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return 0
	}
	return int64(number)
}

// BoolField returns the bool value at key or false when absent.
func BoolField(message *structpb.Struct, key string) bool {
	value, ok := message.GetFields()[key]
	if !ok {
		return false
	}
	return value.GetBoolValue()
}

// StructField returns the nested struct at key or nil.
func StructField(message *structpb.Struct, key string) *structpb.Struct {
	value, ok := message.GetFields()[key]
	if !ok {
		return nil
	}
	return value.GetStructValue()
}

// ListField returns the nested structs of the list at key.
func ListField(message *structpb.Struct, key string) []*structpb.Struct {
	value, ok := message.GetFields()[key]
	if !ok {
		return nil
	}
	values := value.GetListValue().GetValues()
	items := make([]*structpb.Struct, 0, len(values))
	for _, item := range values {
		if nested := item.GetStructValue(); nested != nil {
			items = append(items, nested)
		}
	}
	return items
}
