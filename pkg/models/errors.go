package models

import (
	"errors"
	"fmt"
)

// The closed error set of the service. The HTTP facade maps these one-to-one
// to response statuses; the messages are stable strings that appear in test
// assertions and client-visible bodies.
var (
	// ErrMandatory: no start parameter was given on a query endpoint.
	ErrMandatory = errors.New("Specify at least 'start' parameter")

	// ErrNoNetwork: a non-operator asked for sub-network detail without
	// pinning a network.
	ErrNoNetwork = errors.New("For non-operator users, 'network' parameter is required below network level" +
		" or whenever any of the 'station', 'location', 'channel' parameters are specified")

	// ErrBothMonthYear: details carried both month and year.
	ErrBothMonthYear = errors.New("Only one of 'month' or 'year' details is allowed")

	// ErrNoMatchingEntry: no (node, network) pair matches the request.
	ErrNoMatchingEntry = errors.New("No entry that matches given node and network parameters")

	// ErrUnauthenticated: no bearer token was provided on /submit.
	ErrUnauthenticated = errors.New("No token provided. Permission denied")

	// ErrInvalidBearerToken: the bearer token is unknown or outside its
	// validity window.
	ErrInvalidBearerToken = errors.New("No valid token provided")

	// ErrTokenExpired: the signed token's valid_until is in the past.
	ErrTokenExpired = errors.New("Token has expired")

	// ErrBadSignature: the signed token did not verify against the trust
	// root.
	ErrBadSignature = errors.New("Invalid token or no token file provided")

	// ErrNotAuthorized: authenticated caller without the required group.
	ErrNotAuthorized = errors.New("User has no access to the requested network")

	// ErrMethodNotAllowed: wrong HTTP method for the endpoint.
	ErrMethodNotAllowed = errors.New("Method not allowed")

	// ErrDuplicateSubmission: a payload with the same content hash was
	// already accepted from this node.
	ErrDuplicateSubmission = errors.New("This statistic already exists on the server. Refusing to merge")

	// ErrMalformedPayload: the submission body failed envelope validation.
	ErrMalformedPayload = errors.New("Malformed payload")

	// ErrKeyMismatch: two statistics with different keys were merged.
	ErrKeyMismatch = errors.New("statistic keys differ")
)

// UnknownParameterError reports a request parameter outside the endpoint's
// allow-list.
type UnknownParameterError struct {
	Name string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("Invalid parameter '%s'", e.Name)
}

// BadValueError reports a request parameter with an unsupported value.
type BadValueError struct {
	Name string
}

func (e *BadValueError) Error() string {
	return fmt.Sprintf("Unsupported value for parameter '%s'", e.Name)
}
