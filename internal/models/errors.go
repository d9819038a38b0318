package models

import "fmt"

// UpstreamError is a non-2xx answer from a provider API or token endpoint.
// The provider's response body is kept so callers can surface it.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s API error: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
