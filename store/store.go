// Package store declares the durable identity/key/trust graph as an
// interface. Concrete backends live in subpackages: store/postgres is the
// durable one, store/memstore a fake for tests.
package store

import (
	"time"

	"github.com/pep-project/pepengine-go/identity"
)

// Store is the session-scoped identity/key/trust/alias/revocation/
// blacklist/social-graph store. Implementations must satisfy the
// per-session access model: a single owner, write-ahead durability, and
// immediate read-your-writes within the owning session.
type Store interface {
	// Identity rows, keyed by (Address, UserId).
	GetIdentity(address string, userID identity.UserId) (*identity.Identity, error)
	FindIdentitiesByAddress(address string) ([]*identity.Identity, error)
	// SetIdentity transactionally upserts the Person + Identity (+ Trust,
	// when Fingerprint is set) rows for ident.
	SetIdentity(ident *identity.Identity) error
	RenameIdentityUserID(address string, from, to identity.UserId) error

	GetPerson(userID identity.UserId) (*identity.Person, error)
	SetPerson(p *identity.Person) error

	GetTrust(userID identity.UserId, fpr identity.Fingerprint) (*identity.Trust, error)
	SetTrust(t *identity.Trust) error
	DeleteTrust(userID identity.UserId, fpr identity.Fingerprint) error
	// SetTrustCommTypeForFingerprint cascades ct to every trust record
	// bound to fpr, regardless of user.
	SetTrustCommTypeForFingerprint(fpr identity.Fingerprint, ct identity.CommType) error

	GetKey(fpr identity.Fingerprint) (*identity.Key, error)
	SetKey(k *identity.Key) error

	// ClearDefaultFingerprint removes fpr as the default key of every
	// identity and person row it is bound to, in one transaction. Used
	// when a key turns out revoked or mistrusted, so no stale binding
	// can offer it as an encryption target again.
	ClearDefaultFingerprint(fpr identity.Fingerprint) error

	// SetUserIDAlias records alt -> canonical.
	SetUserIDAlias(alt, canonical identity.UserId) error
	// ResolveAlias follows exactly one redirection; returns userID
	// unchanged if it is not an alias.
	ResolveAlias(userID identity.UserId) (identity.UserId, error)

	SetRevocation(rev identity.Revocation) error
	GetRevocation(revokedFpr identity.Fingerprint) (*identity.Revocation, error)
	// GetRevocationByReplacement finds the revocation record whose
	// ReplacementFpr is newFpr, used to decide whether newFpr is itself a
	// recent replacement for a prior own key.
	GetRevocationByReplacement(newFpr identity.Fingerprint) (*identity.Revocation, error)

	HasRevocationNotification(revokedFpr identity.Fingerprint, ownAddress string, contactUserID identity.UserId) (bool, error)
	SetRevocationNotification(n identity.RevocationNotification) error

	IsBlacklisted(fpr identity.Fingerprint) (bool, error)
	AddBlacklist(fpr identity.Fingerprint) error
	RemoveBlacklist(fpr identity.Fingerprint) error

	IsMistrusted(fpr identity.Fingerprint) (bool, error)
	AddMistrusted(fpr identity.Fingerprint) error
	RemoveMistrusted(fpr identity.Fingerprint) error

	AddSocialGraphEdge(edge identity.SocialGraphEdge) error
	ListContacts(ownUserID identity.UserId, ownAddress string) ([]identity.SocialGraphEdge, error)

	GetEchoChallenge(address string, userID identity.UserId) ([]byte, error)
	SetEchoChallenge(address string, userID identity.UserId, challenge []byte) error

	// SchemaVersion reports the currently-applied schema version.
	// Implementations must refuse to run against a
	// database with a higher version than they know how to speak
	// (status.DbDowngradeViolation).
	SchemaVersion() (int, error)

	Close() error
}

// Clock abstracts wall-clock time so pipeline/keymanager code can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
