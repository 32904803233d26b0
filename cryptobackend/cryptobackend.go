// Package cryptobackend declares the CryptoBackend capability: the
// OpenPGP primitives the engine calls into but does not itself
// implement. The interface is injected at session construction; the
// default in-process implementation lives in the openpgp subpackage.
package cryptobackend

import (
	"time"

	"github.com/pep-project/pepengine-go/identity"
)

// DecryptStatus is the outcome of DecryptAndVerify.
type DecryptStatus int

const (
	DecryptUnencryptedVerified DecryptStatus = iota
	DecryptUnencryptedUnverified
	DecryptedUnverified
	DecryptedAndVerified
	DecryptNoKey
	DecryptWrongFormat
	DecryptUnknownFailure
)

// DecryptResult is the outcome of decrypt_and_verify.
type DecryptResult struct {
	Status     DecryptStatus
	Plaintext  []byte
	SignerKeys []identity.Fingerprint
	// RecipientKeys are the encryption-recipient fingerprints the
	// ciphertext was readable by. May be a single best-effort entry
	// rather than the full recipient set, depending on what the
	// backend's decryption path discloses.
	RecipientKeys []identity.Fingerprint
	Filename      string
}

// ImportedIdentity reports one identity recovered from an imported key.
type ImportedIdentity struct {
	Fingerprint identity.Fingerprint
	HasPrivate  bool
}

// Backend is the CryptoBackend capability. All methods are
// the ones the core actually calls; backend implementations may offer a
// richer native API but only this surface is load-bearing here.
type Backend interface {
	EncryptAndSign(keys []identity.Fingerprint, signer identity.Fingerprint, plaintext []byte) ([]byte, error)
	EncryptOnly(keys []identity.Fingerprint, plaintext []byte) ([]byte, error)
	SignOnly(signer identity.Fingerprint, plaintext []byte) ([]byte, error)

	DecryptAndVerify(ciphertext []byte, detachedSig []byte) (DecryptResult, error)
	VerifyText(text, sig []byte) ([]identity.Fingerprint, error)

	ImportKey(armored []byte) ([]ImportedIdentity, error)
	ExportKey(fpr identity.Fingerprint, secret bool) ([]byte, error)

	GenerateKeypair(ident *identity.Identity) (identity.Fingerprint, error)
	RenewKey(fpr identity.Fingerprint, until time.Time) error
	RevokeKey(fpr identity.Fingerprint, reason string) error

	KeyExpired(fpr identity.Fingerprint, when time.Time) (bool, error)
	KeyRevoked(fpr identity.Fingerprint) (bool, error)
	KeyCreated(fpr identity.Fingerprint) (time.Time, error)

	FindKeys(pattern string) ([]identity.Fingerprint, error)
	FindPrivateKeys(pattern string) ([]identity.Fingerprint, error)

	// GetKeyRating returns the intrinsic comm-type of a key judged purely
	// on its own cryptographic properties (algorithm, length, validity),
	// independent of any trust record.
	GetKeyRating(fpr identity.Fingerprint) (identity.CommType, error)

	ContainsPrivateKey(fpr identity.Fingerprint) (bool, error)
}

// ErrNotArmoredKey is returned by implementations' ImportKey (called by
// the decryption pipeline's scan of attached keys)
// when a blob is not a recognisable armored OpenPGP key.
var ErrNotArmoredKey = notArmoredKeyError{}

type notArmoredKeyError struct{}

func (notArmoredKeyError) Error() string { return "not an armored OpenPGP key" }
