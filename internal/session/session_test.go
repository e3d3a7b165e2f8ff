package session

import (
	"errors"
	"fmt"
	"testing"

	"candlexpr/internal/apperr"
)

func TestTaxonomyLabel(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"io", fmt.Errorf("session: read request: %w", apperr.ErrIO), "io"},
		{"division by zero", apperr.ErrDivisionByZero, "division_by_zero"},
		{"mismatched timestamps", fmt.Errorf("candle algebra: %w", apperr.ErrMismatchedTimestamps), "mismatched_timestamps"},
		{"parsing stream", apperr.ErrParsingStream, "parsing_stream"},
		{"invalid message", apperr.ErrInvalidMessage, "invalid_message"},
		{"unrecognized error", errors.New("boom"), "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := taxonomyLabel(tc.err)
			if got != tc.want {
				t.Errorf("taxonomyLabel(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
