package exchange

import (
	"errors"
	"fmt"
)

// NetworkError marks a transient transport failure (timeout, DNS, 5xx).
// Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("exchange: network failure in %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectionError is a semantic rejection from the exchange (insufficient
// margin, min notional, price band). Never retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "exchange: rejected: " + e.Reason
}

// InvariantError indicates a request that must not reach the wire: bad
// decimals, zero price, malformed size.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "exchange: invariant violation: " + e.Reason
}

// AuthError is fatal: bad private key, signature failure, address mismatch.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange: auth: %s: %v", e.Reason, e.Err)
	}
	return "exchange: auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejection reports whether err is (or wraps) a RejectionError.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
