package domain

import "errors"

var (
	// ErrInvalidSignature rejects a webhook whose signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload rejects a webhook body that cannot be parsed.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrEventIgnored marks event types the processor does not handle.
	ErrEventIgnored = errors.New("event ignored")
	// ErrUnresolvableUser signals a payment event that maps to no known
	// user. Surfaced loudly; silent discard would lose paid credits.
	ErrUnresolvableUser = errors.New("could not resolve user from webhook metadata")
	// ErrUnknownPack rejects a checkout for a pack code outside the table.
	ErrUnknownPack = errors.New("unknown credit pack")
	// ErrProviderDisabled signals payment calls while billing is disabled
	// or the provider secret is not configured.
	ErrProviderDisabled = errors.New("payment provider is not configured")
)
