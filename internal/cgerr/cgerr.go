// Package cgerr defines the small taxonomy of typed errors the storage
// database and command dispatcher produce, and the RESP error-string
// prefix each maps to. Callers wrap a taxonomy sentinel with fmt.Errorf's
// %w verb to add context; errors.Is against the sentinels keeps working
// through that wrapping.
//
// © 2025 cachegrand-go authors. MIT License.
package cgerr

import "errors"

// Kind identifies which taxonomy bucket an error belongs to, used to pick
// the RESP error prefix (-ERR, -WRONGTYPE, ...) without a type switch over
// every sentinel.
type Kind uint8

const (
	KindProtocol Kind = iota
	KindAuth
	KindAuthFailed
	KindArgument
	KindSemantic
	KindCapacity
	KindStorage
	KindCancellation
	KindFatal
)

// RESPPrefix returns the wire error prefix used when reporting an error of
// this kind to a client (sans trailing space).
func (k Kind) RESPPrefix() string {
	switch k {
	case KindProtocol:
		return "ERR"
	case KindAuth:
		return "NOAUTH"
	case KindAuthFailed:
		return "AUTH"
	case KindArgument:
		return "ERR"
	case KindSemantic:
		return "WRONGTYPE"
	case KindCapacity:
		return "OOM"
	case KindStorage:
		return "ERR"
	case KindCancellation:
		return "ERR"
	case KindFatal:
		return "ERR"
	default:
		return "ERR"
	}
}

var (
	// ErrProtocol covers malformed RESP input: bad multibulk length,
	// unterminated bulk string, inline command too long.
	ErrProtocol = &taxonomyError{kind: KindProtocol, msg: "protocol error"}

	// ErrAuth covers commands attempted before authenticating against a
	// password-protected server.
	ErrAuth = &taxonomyError{kind: KindAuth, msg: "authentication required"}

	// ErrAuthFailed covers a rejected AUTH/HELLO AUTH attempt with a wrong
	// password. AUTH sent against a server with no password configured is
	// reported as ErrArgument instead.
	ErrAuthFailed = &taxonomyError{kind: KindAuthFailed, msg: "auth failed"}

	// ErrArgument covers wrong arity or a malformed argument (e.g. EX
	// given a non-integer).
	ErrArgument = &taxonomyError{kind: KindArgument, msg: "wrong number of arguments or invalid argument"}

	// ErrSemantic covers a well-formed command applied to a key that cannot
	// satisfy it: a value of the wrong kind (storage.ErrWrongType) or a
	// missing key (storage.ErrKeyNotFound). Out-of-range numeric arguments
	// are reported as ErrArgument.
	ErrSemantic = &taxonomyError{kind: KindSemantic, msg: "operation against a key holding the wrong kind of value"}

	// ErrCapacity covers max_keys / max-memory exhaustion the configured
	// eviction policy could not resolve (e.g. policy is TTL-only and
	// nothing has expired yet).
	ErrCapacity = &taxonomyError{kind: KindCapacity, msg: "capacity exceeded"}

	// ErrStorage covers shard-file I/O failures and snapshot corruption.
	ErrStorage = &taxonomyError{kind: KindStorage, msg: "storage error"}

	// ErrCancellation covers a fiber or connection torn down mid-command
	// (client disconnect, server shutdown).
	ErrCancellation = &taxonomyError{kind: KindCancellation, msg: "operation cancelled"}

	// ErrFatal covers invariant violations that should never happen in a
	// correct build; surfaced to logs, not just to the client.
	ErrFatal = &taxonomyError{kind: KindFatal, msg: "internal invariant violation"}
)

type taxonomyError struct {
	kind Kind
	msg  string
}

func (e *taxonomyError) Error() string { return e.msg }

// Is classifies e as the same taxonomy bucket as target, by kind rather
// than identity — this lets errors built with Wrap satisfy errors.Is
// against the package sentinels without sharing their generic message.
func (e *taxonomyError) Is(target error) bool {
	t, ok := target.(*taxonomyError)
	return ok && e.kind == t.kind
}

// Wrap builds an error of the given kind whose Error() text is exactly
// msg, with nothing else concatenated. Command handlers that must reply
// with a bit-exact canonical RESP error string use this instead of
// fmt.Errorf's %w-plus-context pattern, which bakes the sentinel's own
// generic message into the wire reply.
func Wrap(kind Kind, msg string) error {
	return &taxonomyError{kind: kind, msg: msg}
}

var allSentinels = []*taxonomyError{
	ErrProtocol, ErrAuth, ErrAuthFailed, ErrArgument, ErrSemantic,
	ErrCapacity, ErrStorage, ErrCancellation, ErrFatal,
}

// KindOf returns the taxonomy kind of err, walking its Unwrap chain. The
// zero Kind (KindProtocol) is returned, with ok=false, when err does not
// wrap any taxonomy sentinel.
func KindOf(err error) (Kind, bool) {
	for _, candidate := range allSentinels {
		if errors.Is(err, candidate) {
			return candidate.kind, true
		}
	}
	return KindProtocol, false
}
