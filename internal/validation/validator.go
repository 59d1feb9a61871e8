// Package validation turns one raw spreadsheet row into a normalised membership
// application, or a field-specific rejection.
package validation

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/reference"
	"github.com/rpattn/memberships/pkg/validator"
)

// DuplicateChecker reports whether an identity number is already persisted.
type DuplicateChecker interface {
	ExistsByIdentityNumber(ctx context.Context, idNumber string) (bool, error)
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "02/01/2006", "2006-01-02 15:04:05", "20060102", "01-02-06"}

var lookupColumns = []struct {
	column string
	kind   domain.LookupKind
}{
	{ColumnGender, domain.LookupGender},
	{ColumnQualification, domain.LookupQualification},
	{ColumnOccupation, domain.LookupOccupation},
}

// Validator applies the row checks in a fixed order; the first failure wins.
type Validator struct {
	store      reference.Store
	duplicates DuplicateChecker
	now        func() time.Time
}

func New(store reference.Store, duplicates DuplicateChecker) *Validator {
	return &Validator{store: store, duplicates: duplicates, now: time.Now}
}

// Validate checks raw and returns the normalised application. A rejected row yields a
// *ValidationError; the error return is reserved for reference or storage failures,
// which say nothing about the row itself.
func (v *Validator) Validate(ctx context.Context, raw domain.RawRow) (domain.MembershipApplication, *ValidationError, error) {
	get := func(column string) string { return strings.TrimSpace(raw.Get(column)) }

	for _, column := range MandatoryColumns {
		if get(column) == "" {
			return domain.MembershipApplication{}, newError(CodeMandatoryFieldMissing, column, "mandatory field missing: %s", column), nil
		}
	}

	app := domain.MembershipApplication{
		FirstName: get(ColumnFirstName),
		LastName:  get(ColumnLastName),
		WardCode:  get(ColumnWardCode),
	}

	identity, err := validator.ParseIdentityNumber(strings.ReplaceAll(get(ColumnIDNumber), " ", ""), v.now())
	if err != nil {
		return app, newError(CodeInvalidIDNumber, ColumnIDNumber, "invalid identity number: %s", identityReason(err)), nil
	}
	app.IDNumber = identity.Number
	app.DateOfBirth = identity.DateOfBirth
	app.Gender = identity.Gender

	if supplied := get(ColumnDateOfBirth); supplied != "" {
		dob, ok := parseDate(supplied)
		if !ok {
			return app, newError(CodeDateOfBirthMismatch, ColumnDateOfBirth, "date of birth %q is not a valid date", supplied), nil
		}
		if !sameDay(dob, identity.DateOfBirth) {
			return app, newError(CodeDateOfBirthMismatch, ColumnDateOfBirth,
				"date of birth %s does not match identity number (%s)",
				dob.Format("2006-01-02"), identity.DateOfBirth.Format("2006-01-02")), nil
		}
	}

	if supplied := get(ColumnCellNumber); supplied != "" {
		number, err := validator.NormalizeContactNumber(supplied)
		if err != nil {
			return app, newError(CodeInvalidContactNumber, ColumnCellNumber, "invalid contact number: %s", err.Error()), nil
		}
		app.CellNumber = null.StringFrom(number)
	}

	if supplied := get(ColumnEmail); supplied != "" {
		email := strings.ToLower(supplied)
		if err := validator.ValidateEmail(email); err != nil {
			return app, newError(CodeInvalidEmail, ColumnEmail, "invalid email address: %s", supplied), nil
		}
		app.Email = null.StringFrom(email)
	}

	for _, lc := range lookupColumns {
		supplied := get(lc.column)
		if supplied == "" {
			continue
		}
		ok, err := v.store.LookupExists(ctx, lc.kind, supplied)
		if err != nil {
			return app, nil, errors.Wrapf(err, "failed to check %s", lc.column)
		}
		if !ok {
			return app, newError(CodeInvalidLookupValue, lc.column, "unknown %s: %s", lc.column, supplied), nil
		}
	}
	app.Qualification = null.NewString(get(ColumnQualification), get(ColumnQualification) != "")
	app.Occupation = null.NewString(get(ColumnOccupation), get(ColumnOccupation) != "")

	if vErr := v.payment(raw, &app); vErr != nil {
		return app, vErr, nil
	}

	if _, err := v.store.GetWard(ctx, app.WardCode); err != nil {
		if errors.Is(err, reference.ErrNotFound) {
			return app, newError(CodeWardNotFound, ColumnWardCode, "ward code not found"), nil
		}
		return app, nil, errors.Wrapf(err, "failed to look up ward %s", app.WardCode)
	}

	exists, err := v.duplicates.ExistsByIdentityNumber(ctx, app.IDNumber)
	if err != nil {
		return app, nil, errors.Wrap(err, "failed to check for duplicate identity number")
	}
	if exists {
		return app, DuplicateIdentity(), nil
	}

	return app, nil, nil
}

func (v *Validator) payment(raw domain.RawRow, app *domain.MembershipApplication) *ValidationError {
	get := func(column string) string { return strings.TrimSpace(raw.Get(column)) }

	app.PaymentMethod = null.NewString(get(ColumnPaymentMethod), get(ColumnPaymentMethod) != "")
	app.PaymentReference = null.NewString(get(ColumnPaymentReference), get(ColumnPaymentReference) != "")

	if supplied := get(ColumnPaymentAmount); supplied != "" {
		cleaned := strings.NewReplacer("R", "", "r", "", " ", "", ",", "").Replace(supplied)
		amount, err := decimal.NewFromString(cleaned)
		if err != nil || amount.IsNegative() {
			return newError(CodeInvalidPayment, ColumnPaymentAmount, "invalid payment amount: %s", supplied)
		}
		app.PaymentAmount = amount.Round(2)
	}

	if supplied := get(ColumnPaymentDate); supplied != "" {
		date, ok := parseDate(supplied)
		if !ok {
			return newError(CodeInvalidPayment, ColumnPaymentDate, "invalid payment date: %s", supplied)
		}
		if date.After(v.now()) {
			return newError(CodeInvalidPayment, ColumnPaymentDate, "payment date %s is in the future", date.Format("2006-01-02"))
		}
		app.PaymentDate = null.TimeFrom(date)
	}
	return nil
}

func identityReason(err error) string {
	switch {
	case errors.Is(err, validator.ErrIdentityFormat):
		return "must be 13 digits"
	case errors.Is(err, validator.ErrIdentityDate):
		return "date of birth is not a valid date"
	case errors.Is(err, validator.ErrIdentityCitizenship):
		return "citizenship digit must be 0, 1 or 2"
	case errors.Is(err, validator.ErrIdentityChecksum):
		return "checksum mismatch"
	}
	return err.Error()
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
