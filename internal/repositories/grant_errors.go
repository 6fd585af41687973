package repositories

import (
	"fmt"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// GrantErrorCode enumerates rejection causes for download grant increments.
type GrantErrorCode string

const (
	GrantErrorUnknown   GrantErrorCode = "grant_unknown"
	GrantErrorExhausted GrantErrorCode = "grant_exhausted"
	GrantErrorExpired   GrantErrorCode = "grant_expired"
	// GrantErrorInactive means the grant was revoked before reaching its limit.
	GrantErrorInactive GrantErrorCode = "grant_inactive"
)

// GrantError is returned by DownloadGrantRepository.Increment when a redemption is refused.
type GrantError struct {
	Op      string
	Code    GrantErrorCode
	Message string
	Err     error
}

func (e *GrantError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *GrantError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewGrantError(code GrantErrorCode, message string, err error) *GrantError {
	if message == "" {
		message = string(code)
	}
	return &GrantError{Code: code, Message: message, Err: err}
}

// CheckRedeemable applies the redemption rules shared by every backend. Exhaustion wins over
// deactivation because reaching the limit also clears IsActive. A grant stays valid up to and
// including ExpiresAt.
func CheckRedeemable(grant domain.DownloadGrant, now time.Time) *GrantError {
	switch {
	case grant.DownloadCount >= grant.DownloadLimit:
		return NewGrantError(GrantErrorExhausted, "download limit reached", nil)
	case !grant.IsActive:
		return NewGrantError(GrantErrorInactive, "grant revoked", nil)
	case now.After(grant.ExpiresAt):
		return NewGrantError(GrantErrorExpired, "grant expired", nil)
	}
	return nil
}

// ApplyRedemption returns the grant after one successful download.
func ApplyRedemption(grant domain.DownloadGrant, now time.Time) domain.DownloadGrant {
	grant.DownloadCount++
	ts := now
	grant.LastDownloadedAt = &ts
	if grant.DownloadCount >= grant.DownloadLimit {
		grant.IsActive = false
	}
	return grant
}

// RefuseRedemption returns the grant as it must be stored after a refusal: expiry clears IsActive for good.
func RefuseRedemption(grant domain.DownloadGrant, rejection *GrantError) domain.DownloadGrant {
	if rejection != nil && rejection.Code == GrantErrorExpired {
		grant.IsActive = false
	}
	return grant
}
