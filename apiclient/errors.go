package apiclient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCircuitOpen is returned when the breaker refuses a call before any
// network traffic happens.
var ErrCircuitOpen = errors.New("api circuit open")

// ErrTransport wraps network failures, timeouts and 5xx responses.
var ErrTransport = errors.New("api transport error")

// ErrEmptyResult is returned when the response carried no errors but the
// expected field was null where null is not allowed.
var ErrEmptyResult = errors.New("api returned empty result")

// GraphQLError carries the server-side errors array of a response.
type GraphQLError struct {
	Operation string
	Messages  []string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("graphql %s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// IsGraphQLError extracts a *GraphQLError from an error chain.
func IsGraphQLError(err error) (*GraphQLError, bool) {
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) {
		return gqlErr, true
	}
	return nil, false
}
