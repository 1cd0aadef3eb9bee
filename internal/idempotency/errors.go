package idempotency

import "net/http"

// BadRequestError signals a malformed call that never reached the
// store, such as a missing idempotency key. Maps to HTTP 400.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

// Code returns the HTTP status this error maps to.
func (e *BadRequestError) Code() int { return http.StatusBadRequest }

// ConflictError signals a key reuse problem: payload hash mismatch, a
// prior failed attempt, or a request still in flight. Maps to HTTP 409.
// Handlers are expected to surface Message verbatim.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// Code returns the HTTP status this error maps to.
func (e *ConflictError) Code() int { return http.StatusConflict }

func badRequest(msg string) error { return &BadRequestError{Message: msg} }
func conflict(msg string) error   { return &ConflictError{Message: msg} }
