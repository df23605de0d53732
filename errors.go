package pveinventory

import (
	"fmt"
)

// AuthenticationError is returned when the API answers 401, either because the
// credentials are wrong or because the ticket was rejected.
type AuthenticationError struct {
	Method string
	URL    string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("unable to authenticate on %s %s, please check your API credentials", e.Method, e.URL)
}

// TransportError wraps connectivity, TLS and timeout failures.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RequestError is returned for every status >= 400 except 401 and 500.
type RequestError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("status code was '%d' on %s %s and error is\n%s", e.Status, e.Method, e.URL, e.Body)
}

// MalformedResponseError is returned when a response body can not be decoded.
type MalformedResponseError struct {
	URL string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.URL, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
