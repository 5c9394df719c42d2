package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a fetch failure for scheduling decisions.
type Kind string

const (
	// KindRateLimited marks a 429 from the provider. The credential that
	// issued the request is burned for the rest of its window.
	KindRateLimited Kind = "rate_limited"

	// KindTransient marks network and 5xx failures that are worth retrying.
	KindTransient Kind = "transient"

	// KindMalformed marks a response whose shape violates the tabular
	// contract. Retrying cannot help.
	KindMalformed Kind = "malformed"
)

// ErrEmptyBatch is returned when a unit carries no variables.
var ErrEmptyBatch = errors.New("fetch unit has no variables")

// Error is a classified fetch failure.
type Error struct {
	Kind       Kind
	StatusCode int
	UnitID     string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s (status %d, unit %s): %s: %v",
			e.Kind, e.StatusCode, e.UnitID, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s (status %d, unit %s): %s",
		e.Kind, e.StatusCode, e.UnitID, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit fetch error.
func IsRateLimited(err error) bool {
	return hasKind(err, KindRateLimited)
}

// IsTransient reports whether err is a retryable fetch error.
func IsTransient(err error) bool {
	return hasKind(err, KindTransient)
}

// IsMalformed reports whether err is a response-shape fetch error.
func IsMalformed(err error) bool {
	return hasKind(err, KindMalformed)
}

func hasKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// apiError is the provider's error envelope. A body of this shape with
// code 429 signals quota exhaustion even when the HTTP status lies.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseAPIError inspects a response body for the provider's error
// envelope. Returns the message and true if the body carries a 429 code.
func parseAPIError(body []byte) (string, bool) {
	var env apiError
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	if env.Error.Code != 429 {
		return "", false
	}
	return env.Error.Message, true
}
