// Package datecode converts between ISO calendar dates and the
// "Weekday, Month D, YYYY" accessibility labels the monitored sites
// expose on their date-picker elements.
package datecode

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadDate is returned when an input cannot be parsed as a legal date.
var ErrBadDate = errors.New("datecode: bad date")

const (
	isoLayout   = "2006-01-02"
	labelLayout = "Monday, January 2, 2006"
)

// Encode converts an ISO date (YYYY-MM-DD) to the accessibility-label
// form used by target sites, evaluated at midnight in loc. It never
// reads the wall clock.
func Encode(iso string, loc *time.Location) (string, error) {
	t, err := time.ParseInLocation(isoLayout, iso, loc)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadDate, iso, err)
	}
	return t.Format(labelLayout), nil
}

// Decode parses an accessibility label back to an ISO date in loc.
// Decode(Encode(d, loc), loc) == d for every legal d.
func Decode(label string, loc *time.Location) (string, error) {
	label = strings.TrimSpace(label)
	t, err := time.ParseInLocation(labelLayout, label, loc)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadDate, label, err)
	}
	return t.Format(isoLayout), nil
}
