// Package status defines the closed result-status enum shared by every
// layer of the engine and the Error type that carries it out of band from
// a successful value.
package status

import "fmt"

// Status is a closed enum of outcomes. Zero value is Ok.
type Status int

const (
	Ok Status = iota
	Unencrypted
	Decrypted
	DecryptedAndVerified
	DecryptNoKey
	DecryptWrongFormat
	Verified
	VerifiedAndTrusted
	KeyNotFound
	KeyUnsuitable
	KeyBlacklisted
	CannotFindIdentity
	CannotFindAlias
	CannotSetIdentity
	CannotSetTrust
	CannotSetPerson
	CannotIncreaseSequence
	IllegalValue
	OutOfMemory
	UnknownDbError
	CommitFailed
	CannotReencrypt
	DistributionIllegalMessage
	PassphraseRequired
	WrongPassphrase
	SyncCannotStart
	SyncNoNotifyCallback
	SyncNoMessageSendCallback
	RecordNotFound
	BufferTooSmall
	GetKeyFailed
	DbDowngradeViolation
)

var names = map[Status]string{
	Ok:                         "Ok",
	Unencrypted:                "Unencrypted",
	Decrypted:                  "Decrypted",
	DecryptedAndVerified:       "DecryptedAndVerified",
	DecryptNoKey:               "DecryptNoKey",
	DecryptWrongFormat:         "DecryptWrongFormat",
	Verified:                   "Verified",
	VerifiedAndTrusted:         "VerifiedAndTrusted",
	KeyNotFound:                "KeyNotFound",
	KeyUnsuitable:              "KeyUnsuitable",
	KeyBlacklisted:             "KeyBlacklisted",
	CannotFindIdentity:         "CannotFindIdentity",
	CannotFindAlias:            "CannotFindAlias",
	CannotSetIdentity:          "CannotSetIdentity",
	CannotSetTrust:             "CannotSetTrust",
	CannotSetPerson:            "CannotSetPerson",
	CannotIncreaseSequence:     "CannotIncreaseSequence",
	IllegalValue:               "IllegalValue",
	OutOfMemory:                "OutOfMemory",
	UnknownDbError:             "UnknownDbError",
	CommitFailed:               "CommitFailed",
	CannotReencrypt:            "CannotReencrypt",
	DistributionIllegalMessage: "DistributionIllegalMessage",
	PassphraseRequired:         "PassphraseRequired",
	WrongPassphrase:            "WrongPassphrase",
	SyncCannotStart:            "SyncCannotStart",
	SyncNoNotifyCallback:       "SyncNoNotifyCallback",
	SyncNoMessageSendCallback:  "SyncNoMessageSendCallback",
	RecordNotFound:             "RecordNotFound",
	BufferTooSmall:             "BufferTooSmall",
	GetKeyFailed:               "GetKeyFailed",
	DbDowngradeViolation:       "DbDowngradeViolation",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error pairs a Status with the underlying cause, if any. Callers that need
// the Status for control flow should use errors.As; callers that just want
// to log or propagate can treat it as a normal error.
type Error struct {
	Status Status
	Cause  error
}

func New(s Status) *Error {
	return &Error{Status: s}
}

func Wrap(s Status, cause error) *Error {
	return &Error{Status: s, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Cause)
	}
	return e.Status.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err carries the given Status.
func Is(err error, s Status) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	return se.Status == s
}
