package validator

import (
	"strings"

	"github.com/cockroachdb/errors"
	playground "github.com/go-playground/validator/v10"
)

const nationalNumberLength = 10

var (
	// ErrContactFormat is returned for contact numbers containing non digits.
	ErrContactFormat = errors.New("contact number must contain digits only")
	// ErrContactLength is returned for contact numbers of the wrong national length.
	ErrContactLength = errors.New("contact number must be 10 digits starting with 0")
	// ErrEmailFormat is returned for malformed email addresses.
	ErrEmailFormat = errors.New("email address is invalid")

	fieldValidator = playground.New()

	separators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// NormalizeContactNumber strips separators and converts the international 27 prefix to
// the national 0 prefix.
func NormalizeContactNumber(raw string) (string, error) {
	number := separators.Replace(strings.TrimSpace(raw))
	number = strings.TrimPrefix(number, "+")
	if !IsDigits(number) {
		return "", ErrContactFormat
	}
	if strings.HasPrefix(number, "27") && len(number) == nationalNumberLength+1 {
		number = "0" + number[2:]
	}
	if len(number) != nationalNumberLength || number[0] != '0' {
		return "", ErrContactLength
	}
	return number, nil
}

// ValidateEmail checks an email address format.
func ValidateEmail(email string) error {
	if err := fieldValidator.Var(email, "required,email"); err != nil {
		return ErrEmailFormat
	}
	return nil
}
