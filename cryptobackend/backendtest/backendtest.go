// Package backendtest is an in-memory cryptobackend.Backend double for
// this module's own tests: keys are plain fingerprints with attached
// metadata, and "ciphertext" is a transparent envelope recording the
// recipients and signer, so encrypt/decrypt round-trips can be asserted
// without real cryptography.
package backendtest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/identity"
)

const (
	envelopeHeader = "-----BEGIN PGP MESSAGE-----"
	envelopeFooter = "-----END PGP MESSAGE-----"
	keyHeader      = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	keyFooter      = "-----END PGP PUBLIC KEY BLOCK-----"
)

// Key is the metadata the fake tracks per fingerprint.
type Key struct {
	HasPrivate bool
	Revoked    bool
	Expires    time.Time
	Created    time.Time
	Rating     identity.CommType
	Address    string
}

// Backend is the fake. The zero value is not usable; call New.
type Backend struct {
	mu      sync.Mutex
	Keys    map[identity.Fingerprint]*Key
	counter int
}

var _ cryptobackend.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{Keys: make(map[identity.Fingerprint]*Key)}
}

// AddKey registers a key under a deterministic fingerprint and returns it.
func (b *Backend) AddKey(address string, hasPrivate bool) identity.Fingerprint {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	fpr := genFpr(b.counter)
	b.Keys[fpr] = &Key{
		HasPrivate: hasPrivate,
		Created:    time.Now().UTC(),
		Rating:     identity.CommTypeOpenPGPUnconfirmed,
		Address:    address,
	}
	return fpr
}

func genFpr(n int) identity.Fingerprint {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 40)
	for i := range out {
		out[i] = digits[(n+i)%16]
	}
	return identity.Fingerprint(out)
}

func joinFprs(fprs []identity.Fingerprint) string {
	parts := make([]string, len(fprs))
	for i, f := range fprs {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func splitFprs(s string) []identity.Fingerprint {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]identity.Fingerprint, len(parts))
	for i, p := range parts {
		out[i] = identity.Fingerprint(p)
	}
	return out
}

func (b *Backend) EncryptAndSign(keys []identity.Fingerprint, signer identity.Fingerprint, plaintext []byte) ([]byte, error) {
	envelope := fmt.Sprintf("%s\nsigner: %s\nrecipients: %s\n\n%s\n%s",
		envelopeHeader, signer, joinFprs(keys), plaintext, envelopeFooter)
	return []byte(envelope), nil
}

func (b *Backend) EncryptOnly(keys []identity.Fingerprint, plaintext []byte) ([]byte, error) {
	return b.EncryptAndSign(keys, "", plaintext)
}

func (b *Backend) SignOnly(signer identity.Fingerprint, plaintext []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("signature-by-%s", signer)), nil
}

func (b *Backend) DecryptAndVerify(ciphertext []byte, detachedSig []byte) (cryptobackend.DecryptResult, error) {
	text := string(ciphertext)
	if !strings.HasPrefix(strings.TrimSpace(text), envelopeHeader) {
		return cryptobackend.DecryptResult{Status: cryptobackend.DecryptWrongFormat}, nil
	}
	var signer string
	var recipients []identity.Fingerprint
	body := text
	if i := strings.Index(body, "\n\n"); i >= 0 {
		header := body[:i]
		body = body[i+2:]
		for _, line := range strings.Split(header, "\n") {
			if v, ok := strings.CutPrefix(line, "signer: "); ok {
				signer = v
			}
			if v, ok := strings.CutPrefix(line, "recipients: "); ok {
				recipients = splitFprs(v)
			}
		}
	}
	body = strings.TrimSuffix(strings.TrimSuffix(body, envelopeFooter), "\n")

	b.mu.Lock()
	canRead := false
	for _, fpr := range recipients {
		if k := b.Keys[fpr]; k != nil && k.HasPrivate {
			canRead = true
			break
		}
	}
	b.mu.Unlock()
	if !canRead {
		return cryptobackend.DecryptResult{Status: cryptobackend.DecryptNoKey}, nil
	}

	result := cryptobackend.DecryptResult{
		Plaintext:     []byte(body),
		RecipientKeys: recipients,
	}
	if signer != "" {
		result.Status = cryptobackend.DecryptedAndVerified
		result.SignerKeys = []identity.Fingerprint{identity.Fingerprint(signer)}
	} else {
		result.Status = cryptobackend.DecryptedUnverified
	}
	return result, nil
}

func (b *Backend) VerifyText(text, sig []byte) ([]identity.Fingerprint, error) {
	if v, ok := strings.CutPrefix(string(sig), "signature-by-"); ok {
		return []identity.Fingerprint{identity.Fingerprint(v)}, nil
	}
	return nil, nil
}

func (b *Backend) ImportKey(armored []byte) ([]cryptobackend.ImportedIdentity, error) {
	text := strings.TrimSpace(string(armored))
	if !strings.HasPrefix(text, keyHeader) {
		return nil, cryptobackend.ErrNotArmoredKey
	}
	var result []cryptobackend.ImportedIdentity
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) != 40 || strings.ContainsAny(line, " -:") {
			continue
		}
		fpr := identity.Fingerprint(line)
		b.mu.Lock()
		if _, ok := b.Keys[fpr]; !ok {
			b.Keys[fpr] = &Key{Created: time.Now().UTC(), Rating: identity.CommTypeOpenPGPUnconfirmed}
		}
		b.mu.Unlock()
		result = append(result, cryptobackend.ImportedIdentity{Fingerprint: fpr})
	}
	if len(result) == 0 {
		return nil, cryptobackend.ErrNotArmoredKey
	}
	return result, nil
}

func (b *Backend) ExportKey(fpr identity.Fingerprint, secret bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.Keys[fpr]; !ok {
		return nil, fmt.Errorf("unknown key %q", fpr)
	}
	return []byte(fmt.Sprintf("%s\n\n%s\n%s\n", keyHeader, fpr, keyFooter)), nil
}

func (b *Backend) GenerateKeypair(ident *identity.Identity) (identity.Fingerprint, error) {
	return b.AddKey(ident.Address, true), nil
}

func (b *Backend) RenewKey(fpr identity.Fingerprint, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k := b.Keys[fpr]; k != nil {
		k.Expires = until
	}
	return nil
}

func (b *Backend) RevokeKey(fpr identity.Fingerprint, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k := b.Keys[fpr]; k != nil {
		k.Revoked = true
	}
	return nil
}

func (b *Backend) KeyExpired(fpr identity.Fingerprint, when time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.Keys[fpr]
	if k == nil || k.Expires.IsZero() {
		return false, nil
	}
	return when.After(k.Expires), nil
}

func (b *Backend) KeyRevoked(fpr identity.Fingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.Keys[fpr]
	return k != nil && k.Revoked, nil
}

func (b *Backend) KeyCreated(fpr identity.Fingerprint) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k := b.Keys[fpr]; k != nil {
		return k.Created, nil
	}
	return time.Time{}, nil
}

func (b *Backend) FindKeys(pattern string) ([]identity.Fingerprint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []identity.Fingerprint
	for fpr, k := range b.Keys {
		if k.Address == pattern {
			out = append(out, fpr)
		}
	}
	return out, nil
}

func (b *Backend) FindPrivateKeys(pattern string) ([]identity.Fingerprint, error) {
	all, err := b.FindKeys(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []identity.Fingerprint
	for _, fpr := range all {
		if k := b.Keys[fpr]; k != nil && k.HasPrivate {
			out = append(out, fpr)
		}
	}
	return out, nil
}

func (b *Backend) GetKeyRating(fpr identity.Fingerprint) (identity.CommType, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k := b.Keys[fpr]; k != nil {
		return k.Rating, nil
	}
	return identity.CommTypeKeyNotFound, nil
}

func (b *Backend) ContainsPrivateKey(fpr identity.Fingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.Keys[fpr]
	return k != nil && k.HasPrivate, nil
}
