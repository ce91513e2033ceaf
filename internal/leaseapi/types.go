package leaseapi

import "time"

// Wire statuses.
const (
	StatusAcquired           = "acquired"
	StatusDenied             = "denied"
	StatusReleased           = "released"
	StatusNotLockedByProcess = "not_locked_by_process"
)

// Error codes carried in {"error": ...} bodies.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidResourceName = "invalid_resource_name"
	CodeInvalidProcessID    = "invalid_process_id"
	CodeInternal            = "internal"
	CodeRateLimited         = "rate_limited"
	CodeUnauthorized        = "unauthorized"
	CodeUnavailable         = "unavailable"
	CodeRequestTooLarge     = "request_too_large"
)

type LockRequest struct {
	ResourceName string `json:"resource_name"`
	ProcessID    string `json:"process_id"`
}

type AcquireResponse struct {
	Status       string `json:"status"`
	ResourceName string `json:"resource_name"`
	ProcessID    string `json:"process_id"`

	// HolderID and ExpiresAt describe the current lease: the caller's when
	// acquired, the competing holder's when denied.
	HolderID  string     `json:"holder_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r AcquireResponse) Acquired() bool { return r.Status == StatusAcquired }

type ReleaseResponse struct {
	Status       string `json:"status"`
	ResourceName string `json:"resource_name"`
}

func (r ReleaseResponse) Released() bool { return r.Status == StatusReleased }

type StatusResponse struct {
	ResourceName string     `json:"resource_name"`
	IsLocked     bool       `json:"is_locked"`
	ProcessID    string     `json:"process_id,omitempty"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type LockInfo struct {
	ResourceName string    `json:"resource_name"`
	ProcessID    string    `json:"process_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}
