// Package keys decides which provider API key a request runs under:
// the user's own encrypted key (BYOK) or the platform key from config.
package keys

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/crypto"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/logging"
)

// Key modes a request may ask for.
const (
	ModeAuto         = "auto"
	ModeBYOKOnly     = "byok_only"
	ModePlatformOnly = "platform_only"
)

// Modes actually used, recorded on the message sidecar.
const (
	UsedPlatform = "platform"
	UsedBYOK     = "byok"
)

// ValidMode reports whether s is a recognized key mode.
func ValidMode(s string) bool {
	return s == ModeAuto || s == ModeBYOKOnly || s == ModePlatformOnly
}

// Store is the BYOK persistence surface the resolver needs.
type Store interface {
	GetUserAPIKey(ctx context.Context, userID uuid.UUID, provider string) (*db.UserAPIKey, error)
	UpdateUserAPIKeyStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Resolution is the outcome of a key lookup. APIKey is held in memory only
// for the duration of the provider call and never logged.
type Resolution struct {
	APIKey    string
	ModeUsed  string
	UserKeyID *uuid.UUID
}

// Resolver implements the key-resolution policy.
type Resolver struct {
	store    Store
	envelope *crypto.Envelope
	platform func(provider string) string
	logger   zerolog.Logger
}

// New creates a Resolver. platform returns the configured platform key for a
// provider, or "" when none is set.
func New(store Store, envelope *crypto.Envelope, platform func(provider string) string, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, envelope: envelope, platform: platform, logger: logger}
}

// Resolve picks a key for (user, provider, mode).
//
//	byok_only:     the user's key if usable, else E_LLM_NO_KEY.
//	platform_only: the platform key if configured, else E_LLM_NO_KEY.
//	auto:          BYOK first, platform fallback, else E_LLM_NO_KEY.
//
// A BYOK row that fails to decrypt degrades to "no usable key" without
// surfacing the crypto failure to the caller.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, provider, mode string) (*Resolution, error) {
	switch mode {
	case ModeBYOKOnly:
		res, err := r.resolveBYOK(ctx, userID, provider)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, apperr.New(apperr.ELLMNoKey, "no usable API key for this provider")
		}
		return res, nil

	case ModePlatformOnly:
		if key := r.platform(provider); key != "" {
			return &Resolution{APIKey: key, ModeUsed: UsedPlatform}, nil
		}
		return nil, apperr.New(apperr.ELLMNoKey, "no platform key configured for this provider")

	case ModeAuto:
		res, err := r.resolveBYOK(ctx, userID, provider)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		if key := r.platform(provider); key != "" {
			return &Resolution{APIKey: key, ModeUsed: UsedPlatform}, nil
		}
		return nil, apperr.New(apperr.ELLMNoKey, "no usable API key for this provider")
	}
	return nil, apperr.New(apperr.EInvalidRequest, "invalid key_mode")
}

// resolveBYOK returns a usable BYOK resolution, or nil when the user has no
// usable key for the provider.
func (r *Resolver) resolveBYOK(ctx context.Context, userID uuid.UUID, provider string) (*Resolution, error) {
	row, err := r.store.GetUserAPIKey(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if row == nil || (row.Status != db.KeyStatusUntested && row.Status != db.KeyStatusValid) {
		return nil, nil
	}

	plaintext, err := r.envelope.Decrypt(row.Ciphertext, row.Nonce)
	if err != nil {
		// Fail closed for this key but keep the request alive: auto mode can
		// still fall back to the platform key.
		e := logging.Field(r.logger.Warn(), "provider", provider)
		logging.Field(e, "key_fingerprint", row.Fingerprint).
			Msg("byok decrypt failed, treating as absent")
		return nil, nil
	}

	id := row.ID
	return &Resolution{APIKey: string(plaintext), ModeUsed: UsedBYOK, UserKeyID: &id}, nil
}

// ReportOutcome records a provider verdict on the BYOK row used for a call.
// Platform-key calls carry no user key id and are ignored, as are revoked
// rows (the status update predicate excludes them).
func (r *Resolver) ReportOutcome(ctx context.Context, res *Resolution, valid bool) {
	if res == nil || res.UserKeyID == nil {
		return
	}
	status := db.KeyStatusValid
	if !valid {
		status = db.KeyStatusInvalid
	}
	if err := r.store.UpdateUserAPIKeyStatus(ctx, *res.UserKeyID, status); err != nil {
		r.logger.Error().Err(err).Str("status", status).Msg("update byok status")
	}
}
