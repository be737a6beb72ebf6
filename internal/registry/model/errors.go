package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an agent name is not present in the registry.
var ErrNotFound = errors.New("agent not found")

// ErrValidation is returned when the caller supplies an invalid name or
// metadata. Client-correctable; maps to HTTP 400.
type ErrValidation struct {
	Field string
	Msg   string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// ErrRateLimited is returned when a source has exhausted its registration
// window. Retryable after RetryAfter; maps to HTTP 429.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// CertFailure distinguishes the reasons a certificate operation failed.
type CertFailure string

const (
	CertExpired   CertFailure = "expired"
	CertRevoked   CertFailure = "revoked"
	CertSuspended CertFailure = "suspended"
	CertMalformed CertFailure = "malformed"
	CertKeyGen    CertFailure = "key_generation"
)

// ErrCertificate is returned on certificate issuance or validation failure.
type ErrCertificate struct {
	Failure CertFailure
	Reason  string
}

func (e *ErrCertificate) Error() string {
	return fmt.Sprintf("certificate %s: %s", e.Failure, e.Reason)
}

// ErrRejectedByPolicy is returned when the threat score pushes the
// registration over the rejection threshold. Terminal for this input;
// not retryable without changing the submission.
type ErrRejectedByPolicy struct {
	Score    int
	Severity string
}

func (e *ErrRejectedByPolicy) Error() string {
	return fmt.Sprintf("registration rejected by security policy (score %d, severity %s)", e.Score, e.Severity)
}

// ErrStorage wraps transient persistence failures. Retryable with backoff.
type ErrStorage struct {
	Op  string
	Err error
}

func (e *ErrStorage) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *ErrStorage) Unwrap() error { return e.Err }
