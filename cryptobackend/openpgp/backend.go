// Package openpgp is the default, in-process CryptoBackend, built on
// golang.org/x/crypto/openpgp.
//
// A session's keyring is held in memory, keyed by fingerprint; secret
// material lives alongside the public key the way a GnuPG keybox keeps
// both together. Nothing here is persisted; durable rows are the store
// package's job.
package openpgp

import (
	"bytes"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/identity"
)

// Backend is an in-process CryptoBackend over an in-memory OpenPGP
// keyring.
type Backend struct {
	mu       sync.Mutex
	entities map[identity.Fingerprint]*openpgp.Entity
	revoked  map[identity.Fingerprint]bool
}

var _ cryptobackend.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		entities: make(map[identity.Fingerprint]*openpgp.Entity),
		revoked:  make(map[identity.Fingerprint]bool),
	}
}

func fingerprintOf(e *openpgp.Entity) identity.Fingerprint {
	return identity.Fingerprint(strings.ToUpper(hexEncode(e.PrimaryKey.Fingerprint[:])))
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

func (b *Backend) keyringFor(fprs []identity.Fingerprint) (openpgp.EntityList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list openpgp.EntityList
	for _, fpr := range fprs {
		e, ok := b.entities[fpr]
		if !ok {
			return nil, errors.Errorf("unknown key %q", fpr)
		}
		list = append(list, e)
	}
	return list, nil
}

func (b *Backend) EncryptAndSign(keys []identity.Fingerprint, signer identity.Fingerprint, plaintext []byte) ([]byte, error) {
	recipients, err := b.keyringFor(keys)
	if err != nil {
		return nil, err
	}
	var signerEntity *openpgp.Entity
	if signer != "" {
		b.mu.Lock()
		signerEntity = b.entities[signer]
		b.mu.Unlock()
		if signerEntity == nil {
			return nil, errors.Errorf("unknown signer key %q", signer)
		}
	}

	var buf bytes.Buffer
	armorWriter, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w, err := openpgp.Encrypt(armorWriter, recipients, signerEntity, nil, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (b *Backend) EncryptOnly(keys []identity.Fingerprint, plaintext []byte) ([]byte, error) {
	return b.EncryptAndSign(keys, "", plaintext)
}

func (b *Backend) SignOnly(signer identity.Fingerprint, plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	signerEntity := b.entities[signer]
	b.mu.Unlock()
	if signerEntity == nil {
		return nil, errors.Errorf("unknown signer key %q", signer)
	}
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, signerEntity, bytes.NewReader(plaintext), nil); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (b *Backend) allEntities() openpgp.EntityList {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list openpgp.EntityList
	for _, e := range b.entities {
		list = append(list, e)
	}
	return list
}

func (b *Backend) DecryptAndVerify(ciphertext []byte, detachedSig []byte) (cryptobackend.DecryptResult, error) {
	block, err := armor.Decode(bytes.NewReader(ciphertext))
	var reader io.Reader = bytes.NewReader(ciphertext)
	if err == nil {
		reader = block.Body
	}

	md, err := openpgp.ReadMessage(reader, b.allEntities(), nil, nil)
	if err != nil {
		return cryptobackend.DecryptResult{Status: cryptobackend.DecryptWrongFormat}, errors.WithStack(err)
	}
	plaintext, err := ioutil.ReadAll(md.UnverifiedBody)
	if err != nil {
		return cryptobackend.DecryptResult{Status: cryptobackend.DecryptUnknownFailure}, errors.WithStack(err)
	}

	result := cryptobackend.DecryptResult{Plaintext: plaintext}
	if md.IsEncrypted && md.DecryptedWith.Entity != nil {
		result.RecipientKeys = []identity.Fingerprint{fingerprintOf(md.DecryptedWith.Entity)}
	}
	if md.IsSigned {
		if md.SignatureError == nil && md.SignedBy != nil {
			result.Status = cryptobackend.DecryptedAndVerified
			result.SignerKeys = []identity.Fingerprint{fingerprintOfKey(md.SignedBy)}
		} else {
			result.Status = cryptobackend.DecryptedUnverified
		}
	} else if len(detachedSig) > 0 {
		signers, err := b.VerifyText(plaintext, detachedSig)
		if err == nil && len(signers) > 0 {
			result.Status = cryptobackend.DecryptedAndVerified
			result.SignerKeys = signers
		} else {
			result.Status = cryptobackend.DecryptedUnverified
		}
	} else {
		result.Status = cryptobackend.DecryptedUnverified
	}
	return result, nil
}

func fingerprintOfKey(k *openpgp.Key) identity.Fingerprint {
	return identity.Fingerprint(strings.ToUpper(hexEncode(k.PublicKey.Fingerprint[:])))
}

func (b *Backend) VerifyText(text, sig []byte) ([]identity.Fingerprint, error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(b.allEntities(), bytes.NewReader(text), bytes.NewReader(sig))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return []identity.Fingerprint{fingerprintOf(signer)}, nil
}

func (b *Backend) ImportKey(armored []byte) ([]cryptobackend.ImportedIdentity, error) {
	entityList, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		entityList, err = openpgp.ReadKeyRing(bytes.NewReader(armored))
		if err != nil {
			return nil, errors.Wrap(cryptobackend.ErrNotArmoredKey, err.Error())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var result []cryptobackend.ImportedIdentity
	for _, e := range entityList {
		fpr := fingerprintOf(e)
		b.entities[fpr] = e
		result = append(result, cryptobackend.ImportedIdentity{
			Fingerprint: fpr,
			HasPrivate:  e.PrivateKey != nil,
		})
	}
	return result, nil
}

func (b *Backend) ExportKey(fpr identity.Fingerprint, secret bool) ([]byte, error) {
	b.mu.Lock()
	e, ok := b.entities[fpr]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown key %q", fpr)
	}

	var buf bytes.Buffer
	blockType := "PGP PUBLIC KEY BLOCK"
	if secret {
		blockType = "PGP PRIVATE KEY BLOCK"
	}
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if secret {
		if e.PrivateKey == nil {
			return nil, errors.Errorf("key %q has no private component", fpr)
		}
		err = e.SerializePrivate(w, nil)
	} else {
		err = e.Serialize(w)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (b *Backend) GenerateKeypair(ident *identity.Identity) (identity.Fingerprint, error) {
	cfg := &packet.Config{RSABits: 3072}
	entity, err := openpgp.NewEntity(ident.Username, "", ident.Address, cfg)
	if err != nil {
		return "", errors.WithStack(err)
	}
	fpr := fingerprintOf(entity)

	b.mu.Lock()
	b.entities[fpr] = entity
	b.mu.Unlock()
	return fpr, nil
}

func (b *Backend) RenewKey(fpr identity.Fingerprint, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[fpr]
	if !ok {
		return errors.Errorf("unknown key %q", fpr)
	}
	lifetimeSecs := uint32(until.Sub(e.PrimaryKey.CreationTime).Seconds())
	for _, ident := range e.Identities {
		if ident.SelfSignature != nil {
			ident.SelfSignature.KeyLifetimeSecs = &lifetimeSecs
		}
	}
	return nil
}

func (b *Backend) RevokeKey(fpr identity.Fingerprint, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entities[fpr]; !ok {
		return errors.Errorf("unknown key %q", fpr)
	}
	b.revoked[fpr] = true
	return nil
}

func (b *Backend) KeyExpired(fpr identity.Fingerprint, when time.Time) (bool, error) {
	b.mu.Lock()
	e, ok := b.entities[fpr]
	b.mu.Unlock()
	if !ok {
		return false, errors.Errorf("unknown key %q", fpr)
	}
	for _, ident := range e.Identities {
		if ident.SelfSignature == nil || ident.SelfSignature.KeyLifetimeSecs == nil {
			continue
		}
		expiry := e.PrimaryKey.CreationTime.Add(time.Duration(*ident.SelfSignature.KeyLifetimeSecs) * time.Second)
		if when.After(expiry) {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) KeyRevoked(fpr identity.Fingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[fpr], nil
}

func (b *Backend) KeyCreated(fpr identity.Fingerprint) (time.Time, error) {
	b.mu.Lock()
	e, ok := b.entities[fpr]
	b.mu.Unlock()
	if !ok {
		return time.Time{}, errors.Errorf("unknown key %q", fpr)
	}
	return e.PrimaryKey.CreationTime, nil
}

func (b *Backend) FindKeys(pattern string) ([]identity.Fingerprint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []identity.Fingerprint
	pattern = strings.ToLower(pattern)
	for fpr, e := range b.entities {
		for name := range e.Identities {
			if strings.Contains(strings.ToLower(name), pattern) {
				result = append(result, fpr)
				break
			}
		}
	}
	return result, nil
}

func (b *Backend) FindPrivateKeys(pattern string) ([]identity.Fingerprint, error) {
	all, err := b.FindKeys(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []identity.Fingerprint
	for _, fpr := range all {
		if e := b.entities[fpr]; e != nil && e.PrivateKey != nil {
			result = append(result, fpr)
		}
	}
	return result, nil
}

// GetKeyRating judges a key purely on its intrinsic cryptographic
// properties: algorithm strength and bit length.
func (b *Backend) GetKeyRating(fpr identity.Fingerprint) (identity.CommType, error) {
	b.mu.Lock()
	e, ok := b.entities[fpr]
	b.mu.Unlock()
	if !ok {
		return identity.CommTypeKeyNotFound, nil
	}
	bitLen, err := e.PrimaryKey.BitLength()
	if err != nil {
		return identity.CommTypeKeyBroken, nil
	}
	switch e.PrimaryKey.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		if bitLen < 2048 {
			return identity.CommTypeKeyTooShort, nil
		}
	}
	return identity.CommTypeOpenPGPUnconfirmed, nil
}

func (b *Backend) ContainsPrivateKey(fpr identity.Fingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[fpr]
	if !ok {
		return false, nil
	}
	return e.PrivateKey != nil, nil
}
