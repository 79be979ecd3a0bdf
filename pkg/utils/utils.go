package utils

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ParseID parses a positive database identifier from a path segment.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be positive", raw)
	}
	return id, nil
}

// TruncateToSecond drops sub-second precision so timestamps survive a round
// trip through the database unchanged.
func TruncateToSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// DecimalFromString converts string to decimal.Decimal
func DecimalFromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
