package validator

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrIdentityFormat is returned when an identity number is not 13 digits.
	ErrIdentityFormat = errors.New("identity number must be 13 digits")
	// ErrIdentityDate is returned when the embedded date of birth is not a calendar date.
	ErrIdentityDate = errors.New("identity number contains an invalid date of birth")
	// ErrIdentityCitizenship is returned for an unknown citizenship digit.
	ErrIdentityCitizenship = errors.New("identity number contains an invalid citizenship digit")
	// ErrIdentityChecksum is returned when the Luhn check digit does not match.
	ErrIdentityChecksum = errors.New("identity number checksum is invalid")
)

// Citizenship is the status encoded in the 11th digit of a national identity number.
type Citizenship int

const (
	Citizen           Citizenship = 0
	PermanentResident Citizenship = 1
	Refugee           Citizenship = 2
)

// Identity is the decoded form of a 13 digit national identity number
// (YYMMDD SSSS C A Z).
type Identity struct {
	Number      string
	DateOfBirth time.Time
	Gender      string
	Citizenship Citizenship
}

// ParseIdentityNumber validates a national identity number and decodes it.
// The two digit birth year is placed in the latest century that does not put the
// birth date after now.
func ParseIdentityNumber(number string, now time.Time) (Identity, error) {
	if len(number) != 13 || !IsDigits(number) {
		return Identity{}, ErrIdentityFormat
	}

	yy, _ := strconv.Atoi(number[0:2])
	mm, _ := strconv.Atoi(number[2:4])
	dd, _ := strconv.Atoi(number[4:6])

	year := 2000 + yy
	if year > now.Year() {
		year -= 100
	}
	dob := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if dob.Year() != year || int(dob.Month()) != mm || dob.Day() != dd {
		return Identity{}, ErrIdentityDate
	}
	if dob.After(now) {
		dob = dob.AddDate(-100, 0, 0)
	}

	citizenship := Citizenship(number[10] - '0')
	if citizenship > Refugee {
		return Identity{}, ErrIdentityCitizenship
	}

	if !LuhnValid(number) {
		return Identity{}, ErrIdentityChecksum
	}

	sequence, _ := strconv.Atoi(number[6:10])
	gender := "F"
	if sequence >= 5000 {
		gender = "M"
	}

	return Identity{
		Number:      number,
		DateOfBirth: dob,
		Gender:      gender,
		Citizenship: citizenship,
	}, nil
}

// LuhnValid reports whether the digit string passes the Luhn mod 10 check.
func LuhnValid(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
