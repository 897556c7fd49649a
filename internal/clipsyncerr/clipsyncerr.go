// Package clipsyncerr defines the unified error taxonomy shared by every
// ClipSync component, and the propagation policy for each kind: which
// errors are fatal at startup, which close a single peer session, and
// which are merely audited.
package clipsyncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions.
type Kind string

const (
	// Fatal at process startup.
	KindConfigInvalid             Kind = "ConfigInvalid"
	KindKeyUnavailable            Kind = "KeyUnavailable"
	KindEncryptedKeyUnsupported   Kind = "EncryptedKeyUnsupported"

	// Warnings — the system degrades but continues.
	KindDiscoveryUnavailable Kind = "DiscoveryUnavailable"

	// Session-scoped — close the affected session only.
	KindUnauthorized      Kind = "Unauthorized"
	KindAuthFailed        Kind = "AuthFailed"
	KindVersionMismatch   Kind = "VersionMismatch"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindIntegrityFailure  Kind = "IntegrityFailure"
	KindUnknownPeer       Kind = "UnknownPeer"

	// Operation-scoped.
	KindTimeout           Kind = "Timeout"
	KindDatabaseBusy      Kind = "DatabaseBusy"
	KindCryptoError       Kind = "CryptoError"
	KindTrustStoreCorrupt Kind = "TrustStoreCorrupt"

	// Not errors — audited only.
	KindFilterSkipped  Kind = "FilterSkipped"
	KindPayloadTooLarge Kind = "PayloadTooLarge"
)

// Error is a taxonomy-tagged error. It wraps an underlying cause and
// supports errors.Is/As via Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports whether an error of this kind must abort the process at
// startup, per the propagation policy in the specification.
func Fatal(kind Kind) bool {
	switch kind {
	case KindConfigInvalid, KindKeyUnavailable, KindEncryptedKeyUnsupported, KindTrustStoreCorrupt:
		return true
	default:
		return false
	}
}

// SessionScoped reports whether an error of this kind should close only
// the affected transport session, leaving the rest of the node running.
func SessionScoped(kind Kind) bool {
	switch kind {
	case KindUnauthorized, KindAuthFailed, KindVersionMismatch,
		KindProtocolViolation, KindIntegrityFailure:
		return true
	default:
		return false
	}
}

// Audited reports whether this kind is not really an error but a
// structured audit event (no session or process state change).
func Audited(kind Kind) bool {
	switch kind {
	case KindFilterSkipped, KindPayloadTooLarge:
		return true
	default:
		return false
	}
}
