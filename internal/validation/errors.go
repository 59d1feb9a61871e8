package validation

import "fmt"

// Code identifies a validation rule. Codes are persisted on failed rows.
type Code string

const (
	CodeMandatoryFieldMissing   Code = "mandatory_field_missing"
	CodeInvalidIDNumber         Code = "invalid_id_number"
	CodeDateOfBirthMismatch     Code = "date_of_birth_mismatch"
	CodeInvalidContactNumber    Code = "invalid_contact_number"
	CodeInvalidEmail            Code = "invalid_email"
	CodeInvalidLookupValue      Code = "invalid_lookup_value"
	CodeInvalidPayment          Code = "invalid_payment"
	CodeWardNotFound            Code = "ward_not_found"
	CodeDuplicateIdentityNumber Code = "duplicate_identity_number"
)

// MessageDuplicateIdentity is shared with the persistence path, where a concurrent
// duplicate is only detected at commit time.
const MessageDuplicateIdentity = "duplicate identity number"

// ValidationError is a row-scoped rejection. It never aborts a batch.
type ValidationError struct {
	Code    Code   `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newError(code Code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// DuplicateIdentity is the rejection for an identity number that is already registered.
func DuplicateIdentity() *ValidationError {
	return &ValidationError{Code: CodeDuplicateIdentityNumber, Field: ColumnIDNumber, Message: MessageDuplicateIdentity}
}
