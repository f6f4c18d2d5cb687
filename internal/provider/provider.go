// Package provider defines the narrow capability the batch runner needs
// from a mail provider, and its Gmail implementation.
package provider

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/foxzi/mergemail/internal/message"
)

// Result carries the provider-assigned identifiers for a successful
// send or draft creation.
type Result struct {
	// ID is the provider's message identifier.
	ID string

	// ThreadID is the provider's conversation identifier.
	ThreadID string

	// RfcMessageID is the RFC 5322 Message-ID header of the sent
	// message when it could be resolved, otherwise the provider ID.
	RfcMessageID string
}

// Provider is the send capability consumed by the dispatcher. All
// operations take the payload as opaque routing metadata plus bytes.
type Provider interface {
	// Send delivers the message and returns its identifiers.
	Send(ctx context.Context, p *message.Payload) (Result, error)

	// CreateDraft stores the message as a draft without sending.
	CreateDraft(ctx context.Context, p *message.Payload) (Result, error)

	// EnsureLabel resolves a label name to its identifier, creating the
	// label when it does not exist yet.
	EnsureLabel(ctx context.Context, name string) (string, error)

	// ApplyLabel tags a sent message. Best-effort for callers: a
	// failure never affects the row's send state.
	ApplyLabel(ctx context.Context, messageID, labelID string) error
}

// IsThrottled reports whether err is a provider throttling signal: the
// caller must slow down and retry, as opposed to a permanent rejection.
func IsThrottled(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	if apiErr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

// IsTransient reports whether err looks like a temporary infrastructure
// failure worth a small number of immediate retries.
func IsTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	// Non-API errors are network-level faults; treat them as transient.
	return err != nil
}
