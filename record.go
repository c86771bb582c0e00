package tokenvault

import (
	"fmt"
	"time"

	"github.com/jellydator/validation"
	"github.com/jonboulle/clockwork"
)

// TokenRecord is the secret payload: one set of OAuth-style tokens. It is an
// immutable value object created by the external OAuth collaborator and
// consumed opaquely, as an encrypted blob, by this subsystem.
type TokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // unix milliseconds
	TokenType    string `json:"tokenType"`
	Scope        string `json:"scope"`
}

// Validate checks the record's shape: all five fields present and correctly
// typed. Runs before any cryptographic work.
func (r TokenRecord) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.AccessToken, validation.Required),
		validation.Field(&r.RefreshToken, validation.Required),
		validation.Field(&r.ExpiresAt, validation.Required, validation.Min(1)),
		validation.Field(&r.TokenType, validation.Required),
		validation.Field(&r.Scope, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func (r TokenRecord) expiry() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// IsExpired reports whether the record's expiry timestamp has passed.
func IsExpired(record TokenRecord, clock clockwork.Clock) bool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return !clock.Now().Before(record.expiry())
}

// IsExpiringSoon reports whether the record expires within the buffer. The
// OAuth collaborator uses it to decide whether to refresh before saving
// again.
func IsExpiringSoon(record TokenRecord, buffer time.Duration, clock clockwork.Clock) bool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return !clock.Now().Add(buffer).Before(record.expiry())
}
