// Package variables stores broadcaster-defined custom variables. Authors
// reference them as $_name; stores key them by the bare name.
package variables

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/liamcoop/botevents/internal/values"
)

// ErrInvalidName is returned for names that are not identifier-safe.
var ErrInvalidName = errors.New("invalid custom variable name")

// Prefix marks a custom variable inside templates and filters.
const Prefix = "$_"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store is the custom-variable collaborator. Missing variables read as "".
type Store interface {
	GetAll(ctx context.Context) (map[string]string, error)
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	// Increment adds delta to a numeric variable. A missing or non-numeric
	// value is replaced by delta. The new value is returned.
	Increment(ctx context.Context, name string, delta float64) (string, error)
}

// Decrement subtracts delta from a numeric variable.
func Decrement(ctx context.Context, s Store, name string, delta float64) (string, error) {
	return s.Increment(ctx, name, -delta)
}

// NormalizeName strips the $_ prefix and validates the remainder.
func NormalizeName(name string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), Prefix)
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

func incremented(current string, delta float64) string {
	n, err := strconv.ParseFloat(strings.TrimSpace(current), 64)
	if err != nil {
		return values.String(delta)
	}
	return values.String(n + delta)
}
