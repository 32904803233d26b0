// Package keymanager maintains the identity/key/trust graph behind a
// store.Store: electing keys for addresses, validating them against
// expiry/revocation/blacklist/mistrust, and renewing soon-to-expire own
// keys. Every multi-row write goes through a single store.Store call so
// the transactional boundary stays inside the store implementation.
package keymanager

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
)

// Manager is the KeyManager, bound to one session's store and
// crypto backend.
type Manager struct {
	Store   store.Store
	Backend cryptobackend.Backend
	Clock   store.Clock

	// OwnUserID is the local session's own UserId, used by UpdateIdentity
	// to reject peer updates aimed at the local user.
	OwnUserID identity.UserId

	// mistrustUndo is the single-slot undo cache for the most recent
	// key_mistrusted call.
	mistrustUndo *identity.Identity
}

// New builds a Manager bound to st/backend, using clock for timestamps
// and ownUserID to recognise the local session's own Person.
func New(st store.Store, backend cryptobackend.Backend, clock store.Clock, ownUserID identity.UserId) *Manager {
	return &Manager{Store: st, Backend: backend, Clock: clock, OwnUserID: ownUserID}
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock.Now()
	}
	return time.Now().UTC()
}

// UpdateIdentity completes a peer identity as known by the store. ident
// is never mutated in place; the completed row is returned.
func (m *Manager) UpdateIdentity(ident *identity.Identity) (*identity.Identity, error) {
	if ident.Address == "" {
		return nil, status.New(status.IllegalValue)
	}
	if ident.IsOwn() || ident.UserId == m.OwnUserID {
		return nil, status.New(status.IllegalValue)
	}

	var result *identity.Identity

	if ident.UserId != "" {
		canonical, err := m.Store.ResolveAlias(ident.UserId)
		if err != nil {
			return nil, errors.Wrap(err, "keymanager: resolve alias")
		}
		existing, err := m.Store.GetIdentity(ident.Address, canonical)
		if err == nil {
			result = existing
		} else if !status.Is(err, status.CannotFindIdentity) {
			return nil, errors.Wrap(err, "keymanager: get identity")
		} else {
			candidates, err := m.Store.FindIdentitiesByAddress(ident.Address)
			if err != nil {
				return nil, errors.Wrap(err, "keymanager: find identities by address")
			}
			var tofu *identity.Identity
			for _, c := range candidates {
				if !c.UserId.IsTOFU() {
					continue
				}
				if c.Username == ident.Username || ident.Username == "" || ident.Username == ident.Address {
					tofu = c
					break
				}
			}
			if tofu != nil {
				if err := m.Store.RenameIdentityUserID(ident.Address, tofu.UserId, canonical); err != nil {
					return nil, errors.Wrap(err, "keymanager: rename tofu identity")
				}
				tofu.UserId = canonical
				result = tofu
			} else {
				result = &identity.Identity{
					Address:  ident.Address,
					UserId:   canonical,
					Username: ident.Username,
					Language: ident.Language,
					Flags:    ident.Flags &^ identity.FlagOwn,
					Created:  m.now(),
				}
			}
		}
	} else {
		candidates, err := m.Store.FindIdentitiesByAddress(ident.Address)
		if err != nil {
			return nil, errors.Wrap(err, "keymanager: find identities by address")
		}
		result = pickByAddress(candidates, m.OwnUserID, ident.Username)
		if result == nil {
			result = &identity.Identity{
				Address:  ident.Address,
				UserId:   identity.TOFUUserId(ident.Address),
				Username: ident.Username,
				Language: ident.Language,
				Created:  m.now(),
			}
		}
	}

	if ident.Username != "" && ident.Username != ident.Address {
		result.Username = ident.Username
	}
	if ident.Language != "" {
		result.Language = ident.Language
	}

	person, err := m.getOrCreatePerson(result)
	if err != nil {
		return nil, err
	}

	fpr, ct, err := m.electKey(person, result)
	if err != nil {
		return nil, err
	}
	result.Fingerprint = fpr
	result.CommType = ct

	if fpr != "" && person.DefaultFingerprint == "" {
		person.DefaultFingerprint = fpr
		if err := m.Store.SetPerson(person); err != nil {
			return nil, errors.Wrap(err, "keymanager: set person default key")
		}
	}

	if err := m.Store.SetIdentity(result); err != nil {
		return nil, errors.Wrap(err, "keymanager: set identity")
	}
	return result, nil
}

// pickByAddress implements the address-only disambiguation order of
// update_identity: own-userid row, then matching username
// among non-TOFU rows, then most recent.
func pickByAddress(candidates []*identity.Identity, ownUserID identity.UserId, username string) *identity.Identity {
	for _, c := range candidates {
		if c.UserId == ownUserID {
			return c
		}
	}
	if username != "" {
		for _, c := range candidates {
			if !c.UserId.IsTOFU() && c.Username == username {
				return c
			}
		}
	}
	var best *identity.Identity
	for _, c := range candidates {
		if best == nil || c.Created.After(best.Created) {
			best = c
		}
	}
	return best
}

func (m *Manager) getOrCreatePerson(ident *identity.Identity) (*identity.Person, error) {
	p, err := m.Store.GetPerson(ident.UserId)
	if err == nil {
		return p, nil
	}
	if !status.Is(err, status.CannotFindIdentity) {
		return nil, errors.Wrap(err, "keymanager: get person")
	}
	p = &identity.Person{UserId: ident.UserId, Username: ident.Username, Language: ident.Language}
	if err := m.Store.SetPerson(p); err != nil {
		return nil, errors.Wrap(err, "keymanager: create person")
	}
	return p, nil
}

// Myself establishes an own identity, generating a keypair if the
// session has none yet.
func (m *Manager) Myself(ident *identity.Identity) (*identity.Identity, error) {
	if ident.Address == "" || ident.UserId == "" {
		return nil, status.New(status.IllegalValue)
	}

	result := *ident
	result.Flags |= identity.FlagOwn

	existing, err := m.Store.GetIdentity(ident.Address, ident.UserId)
	switch {
	case err == nil:
		result.Fingerprint = existing.Fingerprint
		result.Username = existing.Username
		if result.Username == "" {
			result.Username = ident.Username
		}
	case status.Is(err, status.CannotFindIdentity):
		// fresh own identity; fall through to generation below.
	default:
		return nil, errors.Wrap(err, "keymanager: get own identity")
	}

	needsFreshKey := result.Fingerprint == ""
	var revokedFpr identity.Fingerprint
	if !needsFreshKey {
		revoked, err := m.Backend.KeyRevoked(result.Fingerprint)
		if err != nil {
			return nil, errors.Wrap(err, "keymanager: check key revoked")
		}
		if revoked {
			revokedFpr = result.Fingerprint
			needsFreshKey = true
		}
	}

	if needsFreshKey {
		fpr, err := m.Backend.GenerateKeypair(&result)
		if err != nil {
			return nil, errors.Wrap(err, "keymanager: generate keypair")
		}
		// Revocation rows are immutable once written, so the record is
		// created only now that the replacement fingerprint is known.
		if revokedFpr != "" {
			if err := m.Store.SetRevocation(identity.Revocation{
				RevokedFpr:     revokedFpr,
				ReplacementFpr: fpr,
				Epoch:          m.now(),
			}); err != nil {
				return nil, errors.Wrap(err, "keymanager: record revocation")
			}
		}
		result.Fingerprint = fpr
	}

	result.CommType = identity.PeerProtocolConfirmed

	person, err := m.getOrCreatePerson(&result)
	if err != nil {
		return nil, err
	}
	if person.DefaultFingerprint != result.Fingerprint {
		person.DefaultFingerprint = result.Fingerprint
		if err := m.Store.SetPerson(person); err != nil {
			return nil, errors.Wrap(err, "keymanager: set own default key")
		}
	}
	if err := m.Store.SetKey(&identity.Key{Fingerprint: result.Fingerprint, HasPrivate: true}); err != nil {
		return nil, errors.Wrap(err, "keymanager: set key")
	}
	if err := m.Store.SetIdentity(&result); err != nil {
		return nil, errors.Wrap(err, "keymanager: set own identity")
	}
	return &result, nil
}

// electKey runs the key election algorithm.
func (m *Manager) electKey(person *identity.Person, ident *identity.Identity) (identity.Fingerprint, identity.CommType, error) {
	isOwn := ident.IsOwn()
	isPeerProtocolUser := person.IsPeerProtocolUser

	if ident.Fingerprint != "" {
		if ct, err := m.validateKey(ident, ident.Fingerprint, isOwn, isPeerProtocolUser); err == nil {
			return ident.Fingerprint, ct, nil
		}
	}
	if person.DefaultFingerprint != "" && person.DefaultFingerprint != ident.Fingerprint {
		if ct, err := m.validateKey(ident, person.DefaultFingerprint, isOwn, isPeerProtocolUser); err == nil {
			return person.DefaultFingerprint, ct, nil
		}
	}

	candidates, err := m.Backend.FindKeys(ident.Address)
	if err != nil {
		return "", identity.CommTypeKeyNotFound, nil
	}
	var bestFpr identity.Fingerprint
	var bestRating identity.CommType
	var bestCreated time.Time
	for _, fpr := range candidates {
		ct, err := m.validateKey(ident, fpr, isOwn, isPeerProtocolUser)
		if err != nil {
			continue
		}
		created, _ := m.Backend.KeyCreated(fpr)
		if bestFpr == "" || ct.Unconfirmed() > bestRating.Unconfirmed() ||
			(ct.Unconfirmed() == bestRating.Unconfirmed() && created.After(bestCreated)) {
			bestFpr, bestRating, bestCreated = fpr, ct, created
		}
	}
	if bestFpr == "" {
		return "", identity.CommTypeKeyNotFound, nil
	}
	return bestFpr, bestRating, nil
}

// validateKey validates fpr for use by ident.
func (m *Manager) validateKey(ident *identity.Identity, fpr identity.Fingerprint, isOwn, isPeerProtocolUser bool) (identity.CommType, error) {
	if isOwn {
		hasPriv, err := m.Backend.ContainsPrivateKey(fpr)
		if err != nil {
			return identity.CommTypeKeyNotFound, errors.Wrap(err, "keymanager: check private key")
		}
		if !hasPriv {
			return identity.CommTypeKeyNotFound, status.New(status.KeyUnsuitable)
		}
	}

	revoked, err := m.Backend.KeyRevoked(fpr)
	if err != nil {
		return identity.CommTypeKeyNotFound, errors.Wrap(err, "keymanager: check key revoked")
	}
	if revoked {
		_ = m.Store.SetTrustCommTypeForFingerprint(fpr, identity.CommTypeKeyRevoked)
		if cerr := m.Store.ClearDefaultFingerprint(fpr); cerr != nil {
			log.Debugf("keymanager: clear revoked default %s: %v", fpr, cerr)
		}
		return identity.CommTypeKeyRevoked, status.New(status.KeyUnsuitable)
	}

	expired, err := m.Backend.KeyExpired(fpr, m.now())
	if err != nil {
		return identity.CommTypeKeyNotFound, errors.Wrap(err, "keymanager: check key expired")
	}
	if expired {
		if isOwn {
			if err := m.Backend.RenewKey(fpr, m.now().AddDate(1, 0, 0)); err != nil {
				return identity.CommTypeKeyExpired, errors.Wrap(err, "keymanager: renew key")
			}
			stillExpired, err := m.Backend.KeyExpired(fpr, m.now())
			if err != nil {
				return identity.CommTypeKeyExpired, errors.Wrap(err, "keymanager: recheck key expiry")
			}
			if stillExpired {
				return identity.CommTypeKeyExpired, status.New(status.KeyUnsuitable)
			}
		} else {
			return identity.CommTypeKeyExpired, status.New(status.KeyUnsuitable)
		}
	}

	if !isOwn {
		blacklisted, err := m.Store.IsBlacklisted(fpr)
		if err != nil {
			return identity.CommTypeKeyNotFound, errors.Wrap(err, "keymanager: check blacklist")
		}
		if blacklisted {
			return identity.CommTypeKeyNotFound, status.New(status.KeyBlacklisted)
		}
		mistrusted, err := m.Store.IsMistrusted(fpr)
		if err != nil {
			return identity.CommTypeKeyNotFound, errors.Wrap(err, "keymanager: check mistrust")
		}
		if mistrusted {
			return identity.CommTypeMistrusted, status.New(status.KeyUnsuitable)
		}
	}

	ct, err := m.Backend.GetKeyRating(fpr)
	if err != nil {
		return identity.CommTypeKeyNotFound, errors.Wrap(err, "keymanager: get key rating")
	}
	// The backend only judges the key's intrinsic quality; confirmation
	// lives in the trust record.
	if t, terr := m.Store.GetTrust(ident.UserId, fpr); terr == nil && t.CommType.IsConfirmed() {
		ct = ct.Confirmed()
	}
	if isPeerProtocolUser && ct.Unconfirmed() >= identity.CommTypeOpenPGPUnconfirmed {
		if ct.IsConfirmed() {
			ct = identity.PeerProtocolConfirmed
		} else {
			ct = identity.CommTypePeerProtocolUnconfirmed
		}
	}
	return ct, nil
}

// SetOwnKey adopts fpr as ident's default own key.
func (m *Manager) SetOwnKey(ident *identity.Identity, fpr identity.Fingerprint) error {
	hasPriv, err := m.Backend.ContainsPrivateKey(fpr)
	if err != nil {
		return errors.Wrap(err, "keymanager: check private key")
	}
	if !hasPriv {
		return status.New(status.KeyUnsuitable)
	}
	ident.Fingerprint = fpr
	ident.Flags |= identity.FlagOwn
	ident.CommType = identity.PeerProtocolConfirmed
	if err := m.Store.SetIdentity(ident); err != nil {
		return errors.Wrap(err, "keymanager: set own key")
	}
	return nil
}

// TrustPersonalKey adds the confirmed bit to the trust record for
// (ident.UserId, ident.Fingerprint).
func (m *Manager) TrustPersonalKey(ident *identity.Identity) error {
	ct, err := m.Backend.GetKeyRating(ident.Fingerprint)
	if err != nil {
		return errors.Wrap(err, "keymanager: get key rating")
	}
	if ct.Unconfirmed() < identity.StrongButUnconfirmedMin {
		return status.New(status.KeyUnsuitable)
	}

	person, err := m.Store.GetPerson(ident.UserId)
	if err != nil && !status.Is(err, status.CannotFindIdentity) {
		return errors.Wrap(err, "keymanager: get person")
	}
	confirmed := ct.Confirmed()
	if person != nil && person.IsPeerProtocolUser {
		confirmed = identity.PeerProtocolConfirmed
	}
	if err := m.Store.SetTrust(&identity.Trust{UserId: ident.UserId, Fingerprint: ident.Fingerprint, CommType: confirmed}); err != nil {
		return errors.Wrap(err, "keymanager: set trust")
	}
	return nil
}

// KeyResetTrust strips the confirmed bit and any mistrust marker from
// (ident.UserId, ident.Fingerprint).
func (m *Manager) KeyResetTrust(ident *identity.Identity) error {
	t, err := m.Store.GetTrust(ident.UserId, ident.Fingerprint)
	if err != nil {
		return errors.Wrap(err, "keymanager: get trust")
	}
	t.CommType = t.CommType.Unconfirmed()
	if err := m.Store.SetTrust(t); err != nil {
		return errors.Wrap(err, "keymanager: reset trust")
	}
	if err := m.Store.RemoveMistrusted(ident.Fingerprint); err != nil {
		return errors.Wrap(err, "keymanager: remove mistrust")
	}
	return nil
}

// KeyMistrusted marks ident.Fingerprint as compromised. For own identities this revokes the key and runs
// Myself to replace it; for peers it cascades the mistrusted rating to
// every trust record for the fingerprint.
func (m *Manager) KeyMistrusted(ident *identity.Identity) (*identity.Identity, error) {
	cp := *ident
	m.mistrustUndo = &cp

	if ident.IsOwn() {
		if err := m.Backend.RevokeKey(ident.Fingerprint, "mistrusted"); err != nil {
			return nil, errors.Wrap(err, "keymanager: revoke mistrusted own key")
		}
		fresh := *ident
		fresh.Fingerprint = ""
		return m.Myself(&fresh)
	}

	if err := m.Store.SetTrustCommTypeForFingerprint(ident.Fingerprint, identity.CommTypeMistrusted); err != nil {
		return nil, errors.Wrap(err, "keymanager: cascade mistrust")
	}
	if err := m.Store.AddMistrusted(ident.Fingerprint); err != nil {
		return nil, errors.Wrap(err, "keymanager: add mistrusted")
	}
	if err := m.Store.ClearDefaultFingerprint(ident.Fingerprint); err != nil {
		return nil, errors.Wrap(err, "keymanager: clear mistrusted default bindings")
	}
	updated := *ident
	updated.CommType = identity.CommTypeMistrusted
	updated.Fingerprint = ""
	if err := m.Store.SetIdentity(&updated); err != nil {
		return nil, errors.Wrap(err, "keymanager: clear mistrusted default")
	}
	return &updated, nil
}

// UndoLastMistrust restores the identity most recently passed to
// KeyMistrusted. The slot holds at most
// one entry; calling this twice without an intervening KeyMistrusted
// returns status.RecordNotFound.
func (m *Manager) UndoLastMistrust() (*identity.Identity, error) {
	if m.mistrustUndo == nil {
		return nil, status.New(status.RecordNotFound)
	}
	restored := m.mistrustUndo
	m.mistrustUndo = nil
	if err := m.Store.SetIdentity(restored); err != nil {
		return nil, errors.Wrap(err, "keymanager: restore mistrusted identity")
	}
	if err := m.Store.RemoveMistrusted(restored.Fingerprint); err != nil {
		return nil, errors.Wrap(err, "keymanager: remove mistrust on undo")
	}
	log.Debugf("keymanager: restored identity %s/%s after undo", restored.Address, restored.UserId)
	return restored, nil
}
