package core

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to API callers.
const (
	CodeValidation      = "VALIDATION_FAILED"
	CodeNotFound        = "NOT_FOUND"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeImmutableField  = "IMMUTABLE_FIELD"
	CodeDeliveryFailed  = "DELIVERY_FAILED"
	CodeFeatureDisabled = "FEATURE_DISABLED"
	CodeInvalidState    = "INVALID_STATE"
	CodeInternal        = "INTERNAL_ERROR"
)

// Sentinel errors. Every typed error below unwraps to one of these so callers can use errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrImmutableField  = errors.New("immutable field")
	ErrDeliveryFailed  = errors.New("subscription delivery failed")
	ErrFeatureDisabled = errors.New("feature disabled for tenant")
	ErrInvalidState    = errors.New("invalid state transition")
)

// CodedError is implemented by errors that carry a stable, machine-readable code.
type CodedError interface {
	error
	Code() string
}

// ValidationError reports malformed or missing input. It is raised before any state change.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return CodeValidation }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a reference to an entity that does not exist (or is not visible to the tenant).
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Code() string  { return CodeNotFound }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// QuotaExceededError reports a denied quota reservation.
type QuotaExceededError struct {
	TenantID string
	Resource Resource
	Current  int64
	Limit    int64
	Reason   string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s for tenant %s (current %d, limit %d)", e.Reason, e.TenantID, e.Current, e.Limit)
}

func (e *QuotaExceededError) Code() string  { return CodeQuotaExceeded }
func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// ImmutableFieldError reports an attempt to change an entity's id or tenant id.
type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("field %s is immutable", e.Field)
}

func (e *ImmutableFieldError) Code() string  { return CodeImmutableField }
func (e *ImmutableFieldError) Unwrap() error { return ErrImmutableField }

// SubscriptionDeliveryError describes a failed or timed-out notification callback.
// It is logged and counted, never returned to the publisher.
type SubscriptionDeliveryError struct {
	SubscriptionID string
	EventID        string
	Err            error
}

func (e *SubscriptionDeliveryError) Error() string {
	return fmt.Sprintf("delivery of event %s to subscription %s failed: %v", e.EventID, e.SubscriptionID, e.Err)
}

func (e *SubscriptionDeliveryError) Code() string { return CodeDeliveryFailed }

func (e *SubscriptionDeliveryError) Unwrap() []error { return []error{ErrDeliveryFailed, e.Err} }

// FeatureDisabledError reports that the tenant's plan does not include a feature.
type FeatureDisabledError struct {
	TenantID string
	Feature  string
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("feature %s is not enabled for tenant %s", e.Feature, e.TenantID)
}

func (e *FeatureDisabledError) Code() string  { return CodeFeatureDisabled }
func (e *FeatureDisabledError) Unwrap() error { return ErrFeatureDisabled }

// InvalidTransitionError reports an illegal job state change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Code() string  { return CodeInvalidState }
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidState }

// ErrorCode extracts the stable code from err, falling back to CodeInternal.
func ErrorCode(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeInternal
}
