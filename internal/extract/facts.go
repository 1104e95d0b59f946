// Package extract fetches product pages and turns them into ProductFacts
// through per-site adapters.
//
// Extraction fails only when the page cannot be fetched. Missing or
// unparsable fields are nil, never an error.
package extract

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrFetch wraps every network, timeout or non-2xx failure.
var ErrFetch = errors.New("fetch failed")

// ProductFacts is what an adapter managed to read from a page.
type ProductFacts struct {
	Name        string
	Price       *float64
	ImageURL    *string
	Description *string
	Platform    string
}

// HasPrice reports whether a price was found.
func (f ProductFacts) HasPrice() bool { return f.Price != nil }

// StatusError is a non-2xx response after retries.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Is(target error) bool { return target == ErrFetch }

// retryable reports whether a status is worth another attempt.
func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
