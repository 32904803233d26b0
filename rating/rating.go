// Package rating implements the Rater: it coarsens the
// fine-grained comm-type lattice into the user-visible Rating enum and
// aggregates a whole message's rating from its recipient keylist.
package rating

import (
	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/identity"
)

// FromCommType maps a single comm-type to its coarse Rating. RatingTrustedAndAnonymized and
// RatingFullyAnonymous are part of the Rating enum for forward
// compatibility with anonymized-routing comm-types, but this engine's
// comm-type lattice never produces them: no anon band
// exists among the CommType values it defines.
func FromCommType(ct identity.CommType) identity.Rating {
	switch {
	case ct == identity.CommTypeUnknown:
		return identity.RatingUndefined
	case ct.Unconfirmed() == identity.CommTypeKeyNotFound:
		return identity.RatingHaveNoKey
	case ct.Unconfirmed() == identity.CommTypeCompromised:
		return identity.RatingUnderAttack
	case ct.Unconfirmed() == identity.CommTypeMistrusted:
		return identity.RatingMistrust
	case ct.Unconfirmed() == identity.CommTypeNoEncryption:
		return identity.RatingUnencrypted
	case ct.IsConfirmed() && ct.AtLeast(identity.StrongButUnconfirmedMin):
		return identity.RatingTrusted
	case !ct.IsConfirmed() && ct.AtLeast(identity.StrongButUnconfirmedMin):
		return identity.RatingReliable
	default:
		return identity.RatingUnreliable
	}
}

// FromDecryptStatus maps a CryptoBackend decrypt outcome to a Rating for
// use when no recipient keylist applies.
func FromDecryptStatus(s cryptobackend.DecryptStatus) identity.Rating {
	switch s {
	case cryptobackend.DecryptUnencryptedVerified, cryptobackend.DecryptUnencryptedUnverified:
		return identity.RatingUnencrypted
	case cryptobackend.DecryptedUnverified:
		return identity.RatingUnreliable
	case cryptobackend.DecryptedAndVerified:
		return identity.RatingReliable
	case cryptobackend.DecryptNoKey:
		return identity.RatingHaveNoKey
	default:
		return identity.RatingCannotDecrypt
	}
}

// floor reports whether r is a mistrust-or-worse rating: any recipient
// rated here collapses the whole message. Membership is explicit — the
// Rating enum is not ordered by severity, so ordinal comparison would
// sweep in the good ratings too.
func floor(r identity.Rating) bool {
	switch r {
	case identity.RatingMistrust, identity.RatingBroken, identity.RatingUnderAttack:
		return true
	}
	return false
}

// Encryptable reports whether r is good enough to encrypt under:
// reliable or better. Explicit membership for the same reason as floor.
func Encryptable(r identity.Rating) bool {
	switch r {
	case identity.RatingReliable, identity.RatingTrusted,
		identity.RatingTrustedAndAnonymized, identity.RatingFullyAnonymous:
		return true
	}
	return false
}

// min returns the lower-quality of two ratings, ordinally.
func min(a, b identity.Rating) identity.Rating {
	if b < a {
		return b
	}
	return a
}

// Recipient is one entry of the keylist the message rater aggregates
// over: the recipient's comm-type and whether it is the sender's own
// fingerprint (skipped).
type Recipient struct {
	CommType    identity.CommType
	Fingerprint identity.Fingerprint
}

// ForMessage aggregates the whole-message Rating from the sender's
// fingerprint and the recipient keylist: sender entries are
// skipped, any recipient at or below the mistrust floor collapses the
// whole message to that floor, otherwise the result is the pointwise
// minimum of the individual recipient ratings.
func ForMessage(senderFpr identity.Fingerprint, recipients []Recipient) identity.Rating {
	result := identity.Rating(-1)
	for _, r := range recipients {
		if r.Fingerprint != "" && r.Fingerprint == senderFpr {
			continue
		}
		rr := FromCommType(r.CommType)
		if floor(rr) {
			return rr
		}
		if result == -1 {
			result = rr
			continue
		}
		result = min(result, rr)
	}
	if result == -1 {
		return identity.RatingUndefined
	}
	return result
}

// ForIncoming folds the raw mapping of the sender's comm-type with the
// recipient keylist of a decrypted message: a floored recipient wins
// outright, otherwise the result is the pointwise minimum of the
// sender's rating and every recipient's. Sender entries in the keylist
// are skipped.
func ForIncoming(senderCommType identity.CommType, senderFpr identity.Fingerprint, recipients []Recipient) identity.Rating {
	result := FromCommType(senderCommType)
	for _, r := range recipients {
		if r.Fingerprint != "" && r.Fingerprint == senderFpr {
			continue
		}
		rr := FromCommType(r.CommType)
		if floor(rr) {
			return rr
		}
		result = min(result, rr)
	}
	return result
}
