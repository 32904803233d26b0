// Package identity defines the data model shared by the whole engine:
// Identity, Key, Person, Trust, UserId aliasing, and the comm-type/rating
// lattice. It is a leaf package: every other package depends on it, and
// it depends on nothing else in this module.
package identity

import "time"

// Version is a (major, minor) peer-protocol version pair.
type Version struct {
	Major int
	Minor int
}

// Less reports whether v is strictly older than other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Min returns the pointwise minimum of two versions.
func Min(a, b Version) Version {
	if b.Less(a) {
		return b
	}
	return a
}

// Flags is the identity flag bitset. Bits 0..15 are reserved
// for application-defined use and are preserved verbatim by the store.
type Flags uint32

const (
	FlagOwn Flags = 1 << 16
	// FlagList marks an identity as itself representing a mailing list.
	FlagList Flags = 1 << 17
	// FlagNotForSync excludes the identity from KeySync device-group membership.
	FlagNotForSync Flags = 1 << 18
	// FlagDeviceGroup marks an own identity as a member of a synced device group.
	FlagDeviceGroup Flags = 1 << 19

	// AppFlagsMask covers the 16 application-defined bits that the store
	// must preserve verbatim.
	AppFlagsMask Flags = 0xFFFF
)

// CommType is the fine-grained trust-quality ordinal. Values
// are ordered by ascending quality; ConfirmedBit may be OR-ed onto any of
// the unconfirmed values below it.
type CommType int

const (
	CommTypeUnknown CommType = iota
	CommTypeNoEncryption
	CommTypeKeyNotFound
	CommTypeKeyExpired
	CommTypeKeyRevoked
	CommTypeKeyBroken
	CommTypeKeyTooShort
	CommTypeCompromised
	CommTypeMistrusted
	CommTypeUnconfirmedEncryption
	CommTypeToBeChecked
	CommTypeOpenPGPUnconfirmed
	CommTypePeerProtocolUnconfirmed
)

// ConfirmedBit is OR-ed onto a base CommType to mark it as confirmed.
// Kept well above the unconfirmed band's bit range so that
// comparisons of the unconfirmed portion are unaffected.
const ConfirmedBit CommType = 0x80

// Confirmed returns ct with the confirmed bit set.
func (ct CommType) Confirmed() CommType { return ct | ConfirmedBit }

// Unconfirmed returns ct with the confirmed bit cleared.
func (ct CommType) Unconfirmed() CommType { return ct &^ ConfirmedBit }

// IsConfirmed reports whether the confirmed bit is set.
func (ct CommType) IsConfirmed() bool { return ct&ConfirmedBit != 0 }

// Named comm-type values the engine compares and promotes against.
var (
	PeerProtocolConfirmed   = CommTypePeerProtocolUnconfirmed.Confirmed()
	OpenPGPConfirmed        = CommTypeOpenPGPUnconfirmed.Confirmed()
	StrongButUnconfirmedMin = CommTypeOpenPGPUnconfirmed
)

// AtLeast reports whether ct's unconfirmed quality is at or above floor's,
// ignoring the confirmed bit. Used by election/validation comparisons that
// are about key quality rather than confirmation.
func (ct CommType) AtLeast(floor CommType) bool {
	return ct.Unconfirmed() >= floor.Unconfirmed()
}

// Rating is the coarse, user-visible rating.
type Rating int

const (
	RatingUndefined Rating = iota
	RatingCannotDecrypt
	RatingHaveNoKey
	RatingUnencrypted
	RatingUnreliable
	RatingReliable
	RatingTrusted
	RatingTrustedAndAnonymized
	RatingFullyAnonymous
	RatingMistrust
	RatingBroken
	RatingUnderAttack
)

var ratingNames = map[Rating]string{
	RatingUndefined:            "undefined",
	RatingCannotDecrypt:        "cannot_decrypt",
	RatingHaveNoKey:            "have_no_key",
	RatingUnencrypted:          "unencrypted",
	RatingUnreliable:           "unreliable",
	RatingReliable:             "reliable",
	RatingTrusted:              "trusted",
	RatingTrustedAndAnonymized: "trusted_and_anonymized",
	RatingFullyAnonymous:       "fully_anonymous",
	RatingMistrust:             "mistrust",
	RatingBroken:               "broken",
	RatingUnderAttack:          "under_attack",
}

// String renders the rating using the wire-ish snake_case spelling the
// X-EncStatus opt-field carries.
func (r Rating) String() string {
	if n, ok := ratingNames[r]; ok {
		return n
	}
	return "undefined"
}

// Fingerprint is a 40-hexdigit OpenPGP key fingerprint.
type Fingerprint string

func (f Fingerprint) Empty() bool { return f == "" }

// UserId is a stable identifier for a Person; may be a synthesized
// "TOFU_<address>" identifier until reconciled with a real one.
type UserId string

// TOFUUserId synthesizes the temporary UserId the store uses before an
// identity's real UserId is known.
func TOFUUserId(address string) UserId {
	return UserId("TOFU_" + address)
}

func (u UserId) IsTOFU() bool {
	return len(u) > 5 && u[:5] == "TOFU_"
}

// Identity is one (Address, UserId) identity row.
type Identity struct {
	Address     string
	UserId      UserId
	Username    string
	Fingerprint Fingerprint
	CommType    CommType
	Language    string
	Flags       Flags
	Version     Version
	Created     time.Time

	// EchoChallenge is the 16-byte per-identity Echo challenge blob.
	// Nil until first requested.
	EchoChallenge []byte
}

func (id *Identity) IsOwn() bool { return id.Flags&FlagOwn != 0 }

// Key is the store's view of an OpenPGP key: only the fingerprint,
// creation time, an expiry hint and the revoked/has-private flags are
// persisted; everything else is
// queried from the CryptoBackend on demand.
type Key struct {
	Fingerprint Fingerprint
	Created     time.Time
	Expires     time.Time // zero value means "does not expire"
	Revoked     bool
	HasPrivate  bool
}

// Person aggregates all identities sharing a UserId.
type Person struct {
	UserId             UserId
	Username           string
	DefaultFingerprint Fingerprint
	Language           string
	IsPeerProtocolUser bool
}

// Trust is a (UserId, Fingerprint) -> CommType assertion.
type Trust struct {
	UserId      UserId
	Fingerprint Fingerprint
	CommType    CommType
}

// Revocation records that RevokedFpr was replaced by ReplacementFpr at
// Epoch.
type Revocation struct {
	RevokedFpr     Fingerprint
	ReplacementFpr Fingerprint
	Epoch          time.Time
}

// RevocationNotification records that the local side has already told
// ContactUserId that OwnAddress's key RevokedFpr was revoked,
// so KeyReset doesn't double-notify.
type RevocationNotification struct {
	RevokedFpr    Fingerprint
	OwnAddress    string
	ContactUserId UserId
}

// SocialGraphEdge records that an own identity has communicated with a
// contact, directing whom KeyReset must notify.
type SocialGraphEdge struct {
	OwnUserId     UserId
	OwnAddress    string
	ContactUserId UserId
}
