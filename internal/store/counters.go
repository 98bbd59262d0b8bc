package store

import (
	"context"
	"fmt"
)

// NextCodeValue atomically increments and returns the company-code counter
// for the given year. The first call for a year returns 1. The increment is
// a single upsert so concurrent workers can never observe or hand out the
// same value.
func (s *Store) NextCodeValue(ctx context.Context, year int) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO company_code_counters (year, value) VALUES (?, 1)
		 ON CONFLICT(year) DO UPDATE SET value = value + 1
		 RETURNING value`,
		year).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("store: failed to increment code counter: %w", err)
	}
	return value, nil
}
