package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxNameLength      = 256
	maxPrincipalLength = 256
	maxRecordText      = 16 * 1024
)

// validateText rejects strings both stores cannot hold as text: invalid
// UTF-8 and NUL bytes.
func validateText(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidArgument, field)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrInvalidArgument, field)
	}
	return nil
}

func validatePrincipal(field string, p Principal) error {
	if p.IsZero() {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	if err := validateText(field, string(p)); err != nil {
		return err
	}
	if utf8.RuneCountInString(string(p)) > maxPrincipalLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidArgument, field, maxPrincipalLength)
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if err := validateText("name", name); err != nil {
		return err
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidArgument, maxNameLength)
	}
	return nil
}

// validateDOB accepts an 8-digit YYYYMMDD integer naming a real calendar date.
func validateDOB(dob int) error {
	if dob < 10000101 || dob > 99991231 {
		return fmt.Errorf("%w: dob must be an 8-digit YYYYMMDD value", ErrInvalidArgument)
	}
	if _, err := time.Parse("20060102", strconv.Itoa(dob)); err != nil {
		return fmt.Errorf("%w: dob %d is not a calendar date", ErrInvalidArgument, dob)
	}
	return nil
}

func validateRecord(diagnosis, treatment string, timestamp int64) error {
	if strings.TrimSpace(diagnosis) == "" {
		return fmt.Errorf("%w: diagnosis is required", ErrInvalidArgument)
	}
	if err := validateText("diagnosis", diagnosis); err != nil {
		return err
	}
	if err := validateText("treatment", treatment); err != nil {
		return err
	}
	if len(diagnosis) > maxRecordText || len(treatment) > maxRecordText {
		return fmt.Errorf("%w: diagnosis and treatment are limited to %d bytes each", ErrInvalidArgument, maxRecordText)
	}
	if timestamp < 0 {
		return fmt.Errorf("%w: timestamp must not be negative", ErrInvalidArgument)
	}
	return nil
}

// DOBFromTime encodes a date as YYYYMMDD.
func DOBFromTime(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
