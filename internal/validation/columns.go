package validation

import (
	"strings"
	"unicode"
)

// Canonical column names of an application row.
const (
	ColumnFirstName        = "first_name"
	ColumnLastName         = "last_name"
	ColumnIDNumber         = "id_number"
	ColumnWardCode         = "ward_code"
	ColumnDateOfBirth      = "date_of_birth"
	ColumnGender           = "gender"
	ColumnCellNumber       = "cell_number"
	ColumnEmail            = "email"
	ColumnQualification    = "qualification"
	ColumnOccupation       = "occupation"
	ColumnPaymentMethod    = "payment_method"
	ColumnPaymentReference = "payment_reference"
	ColumnPaymentAmount    = "payment_amount"
	ColumnPaymentDate      = "payment_date"
)

// MandatoryColumns are checked in this order; the first missing one is reported.
var MandatoryColumns = []string{ColumnFirstName, ColumnLastName, ColumnIDNumber, ColumnWardCode}

var columnAliases = map[string]string{
	"firstname":       ColumnFirstName,
	"first_names":     ColumnFirstName,
	"name":            ColumnFirstName,
	"names":           ColumnFirstName,
	"lastname":        ColumnLastName,
	"surname":         ColumnLastName,
	"idnumber":        ColumnIDNumber,
	"id_no":           ColumnIDNumber,
	"id":              ColumnIDNumber,
	"identity_number": ColumnIDNumber,
	"ward":            ColumnWardCode,
	"ward_no":         ColumnWardCode,
	"ward_number":     ColumnWardCode,
	"dob":             ColumnDateOfBirth,
	"birth_date":      ColumnDateOfBirth,
	"sex":             ColumnGender,
	"cell":            ColumnCellNumber,
	"cellphone":       ColumnCellNumber,
	"cell_phone":      ColumnCellNumber,
	"contact_number":  ColumnCellNumber,
	"phone":           ColumnCellNumber,
	"mobile":          ColumnCellNumber,
	"email_address":   ColumnEmail,
	"e_mail":          ColumnEmail,
	"amount":          ColumnPaymentAmount,
	"payment_ref":     ColumnPaymentReference,
	"reference":       ColumnPaymentReference,
}

// CanonicalColumn maps a spreadsheet header to its canonical column name. Unknown
// headers are returned in normalised snake case.
func CanonicalColumn(header string) string {
	key := snakeCase(header)
	if canonical, ok := columnAliases[key]; ok {
		return canonical
	}
	return key
}

func snakeCase(header string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(header) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	return b.String()
}
