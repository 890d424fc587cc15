package analyst

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrParse marks a model reply that is not a valid report.
	ErrParse = errors.New("unparseable model response")
	// ErrService marks a failed call to the model.
	ErrService = errors.New("model service failure")
)

// PrefixLimit bounds the response excerpt kept on a ParseError.
const PrefixLimit = 200

// ParseError carries the start of the offending response for diagnosis.
type ParseError struct {
	Prefix string
	Err    error
}

func newParseError(text string, err error) *ParseError {
	return &ParseError{Prefix: prefix(text, PrefixLimit), Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model response: %v (response: %q)", e.Err, e.Prefix)
}

// Unwrap exposes both ErrParse and the decode error.
func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// ServiceError wraps a transport or API failure from the model client.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("model service: %v", e.Err)
}

// Unwrap exposes both ErrService and the client error.
func (e *ServiceError) Unwrap() []error { return []error{ErrService, e.Err} }

func prefix(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
