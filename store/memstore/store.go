// Package memstore is an in-memory store.Store used by this module's own
// tests (and suitable as a starting point for embedders who don't want
// PostgreSQL). It implements the same transactional-upsert semantics as
// store/postgres, just backed by maps under a mutex instead of
// database/sql, so the rest of the engine is exercised identically
// either way.
package memstore

import (
	"sync"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
)

type identityKey struct {
	address string
	userID  identity.UserId
}

type trustKey struct {
	userID identity.UserId
	fpr    identity.Fingerprint
}

type revNotifyKey struct {
	fpr        identity.Fingerprint
	ownAddress string
	contact    identity.UserId
}

type Store struct {
	mu sync.Mutex

	identities map[identityKey]*identity.Identity
	persons    map[identity.UserId]*identity.Person
	trusts     map[trustKey]*identity.Trust
	keys       map[identity.Fingerprint]*identity.Key
	aliases    map[identity.UserId]identity.UserId
	revocs     map[identity.Fingerprint]*identity.Revocation
	revNotify  map[revNotifyKey]bool
	blacklist  map[identity.Fingerprint]bool
	mistrusted map[identity.Fingerprint]bool
	social     map[identity.UserId]map[string][]identity.SocialGraphEdge
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		identities: make(map[identityKey]*identity.Identity),
		persons:    make(map[identity.UserId]*identity.Person),
		trusts:     make(map[trustKey]*identity.Trust),
		keys:       make(map[identity.Fingerprint]*identity.Key),
		aliases:    make(map[identity.UserId]identity.UserId),
		revocs:     make(map[identity.Fingerprint]*identity.Revocation),
		revNotify:  make(map[revNotifyKey]bool),
		blacklist:  make(map[identity.Fingerprint]bool),
		mistrusted: make(map[identity.Fingerprint]bool),
		social:     make(map[identity.UserId]map[string][]identity.SocialGraphEdge),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) SchemaVersion() (int, error) { return 1, nil }

func (s *Store) GetIdentity(address string, userID identity.UserId) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityKey{address, userID}]
	if !ok {
		return nil, status.New(status.CannotFindIdentity)
	}
	cp := *id
	return &cp, nil
}

func (s *Store) FindIdentitiesByAddress(address string) ([]*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*identity.Identity
	for k, id := range s.identities {
		if k.address == address {
			cp := *id
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *Store) SetIdentity(ident *identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.persons[ident.UserId]; !ok {
		s.persons[ident.UserId] = &identity.Person{UserId: ident.UserId, Username: ident.Username, Language: ident.Language}
	}
	cp := *ident
	s.identities[identityKey{ident.Address, ident.UserId}] = &cp
	if ident.Fingerprint != "" {
		if _, ok := s.keys[ident.Fingerprint]; !ok {
			s.keys[ident.Fingerprint] = &identity.Key{Fingerprint: ident.Fingerprint}
		}
		s.trusts[trustKey{ident.UserId, ident.Fingerprint}] = &identity.Trust{
			UserId: ident.UserId, Fingerprint: ident.Fingerprint, CommType: ident.CommType,
		}
	}
	return nil
}

func (s *Store) RenameIdentityUserID(address string, from, to identity.UserId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.persons[to]; !ok {
		s.persons[to] = &identity.Person{UserId: to}
	}
	if id, ok := s.identities[identityKey{address, from}]; ok {
		id.UserId = to
		delete(s.identities, identityKey{address, from})
		s.identities[identityKey{address, to}] = id
	}
	for k, t := range s.trusts {
		if k.userID == from {
			t.UserId = to
			delete(s.trusts, k)
			s.trusts[trustKey{to, k.fpr}] = t
		}
	}
	for uid, byAddr := range s.social {
		if uid != from {
			continue
		}
		s.social[to] = byAddr
		delete(s.social, from)
	}
	for _, byAddr := range s.social {
		for addr, edges := range byAddr {
			for i := range edges {
				if edges[i].ContactUserId == from {
					edges[i].ContactUserId = to
				}
			}
			byAddr[addr] = edges
		}
	}
	return nil
}

func (s *Store) GetPerson(userID identity.UserId) (*identity.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[userID]
	if !ok {
		return nil, status.New(status.CannotFindIdentity)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SetPerson(p *identity.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.persons[p.UserId] = &cp
	return nil
}

func (s *Store) GetTrust(userID identity.UserId, fpr identity.Fingerprint) (*identity.Trust, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trusts[trustKey{userID, fpr}]
	if !ok {
		return nil, status.New(status.CannotFindIdentity)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) SetTrust(t *identity.Trust) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[t.Fingerprint]; !ok {
		s.keys[t.Fingerprint] = &identity.Key{Fingerprint: t.Fingerprint}
	}
	cp := *t
	s.trusts[trustKey{t.UserId, t.Fingerprint}] = &cp
	return nil
}

func (s *Store) DeleteTrust(userID identity.UserId, fpr identity.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trusts, trustKey{userID, fpr})
	return nil
}

func (s *Store) SetTrustCommTypeForFingerprint(fpr identity.Fingerprint, ct identity.CommType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.trusts {
		if k.fpr == fpr {
			t.CommType = ct
		}
	}
	return nil
}

func (s *Store) GetKey(fpr identity.Fingerprint) (*identity.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[fpr]
	if !ok {
		return nil, status.New(status.KeyNotFound)
	}
	cp := *k
	return &cp, nil
}

func (s *Store) SetKey(k *identity.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.Fingerprint] = &cp
	return nil
}

func (s *Store) ClearDefaultFingerprint(fpr identity.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.identities {
		if id.Fingerprint == fpr {
			id.Fingerprint = ""
		}
	}
	for _, p := range s.persons {
		if p.DefaultFingerprint == fpr {
			p.DefaultFingerprint = ""
		}
	}
	return nil
}

func (s *Store) SetUserIDAlias(alt, canonical identity.UserId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alt] = canonical
	return nil
}

func (s *Store) ResolveAlias(userID identity.UserId) (identity.UserId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if canonical, ok := s.aliases[userID]; ok {
		return canonical, nil
	}
	return userID, nil
}

func (s *Store) SetRevocation(rev identity.Revocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revocs[rev.RevokedFpr]; ok {
		return nil
	}
	cp := rev
	s.revocs[rev.RevokedFpr] = &cp
	return nil
}

func (s *Store) GetRevocation(revokedFpr identity.Fingerprint) (*identity.Revocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.revocs[revokedFpr]
	if !ok {
		return nil, status.New(status.RecordNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetRevocationByReplacement(newFpr identity.Fingerprint) (*identity.Revocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.revocs {
		if r.ReplacementFpr == newFpr {
			cp := *r
			return &cp, nil
		}
	}
	return nil, status.New(status.RecordNotFound)
}

func (s *Store) HasRevocationNotification(revokedFpr identity.Fingerprint, ownAddress string, contactUserID identity.UserId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revNotify[revNotifyKey{revokedFpr, ownAddress, contactUserID}], nil
}

func (s *Store) SetRevocationNotification(n identity.RevocationNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revNotify[revNotifyKey{n.RevokedFpr, n.OwnAddress, n.ContactUserId}] = true
	return nil
}

func (s *Store) IsBlacklisted(fpr identity.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklist[fpr], nil
}

func (s *Store) AddBlacklist(fpr identity.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[fpr] = true
	return nil
}

func (s *Store) RemoveBlacklist(fpr identity.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blacklist, fpr)
	return nil
}

func (s *Store) IsMistrusted(fpr identity.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mistrusted[fpr], nil
}

func (s *Store) AddMistrusted(fpr identity.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mistrusted[fpr] = true
	return nil
}

func (s *Store) RemoveMistrusted(fpr identity.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mistrusted, fpr)
	return nil
}

func (s *Store) AddSocialGraphEdge(edge identity.SocialGraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.social[edge.OwnUserId]
	if !ok {
		byAddr = make(map[string][]identity.SocialGraphEdge)
		s.social[edge.OwnUserId] = byAddr
	}
	for _, e := range byAddr[edge.OwnAddress] {
		if e.ContactUserId == edge.ContactUserId {
			return nil
		}
	}
	byAddr[edge.OwnAddress] = append(byAddr[edge.OwnAddress], edge)
	return nil
}

func (s *Store) ListContacts(ownUserID identity.UserId, ownAddress string) ([]identity.SocialGraphEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.social[ownUserID]
	if !ok {
		return nil, nil
	}
	edges := byAddr[ownAddress]
	result := make([]identity.SocialGraphEdge, len(edges))
	copy(result, edges)
	return result, nil
}

func (s *Store) GetEchoChallenge(address string, userID identity.UserId) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityKey{address, userID}]
	if !ok {
		return nil, status.New(status.CannotFindIdentity)
	}
	return id.EchoChallenge, nil
}

func (s *Store) SetEchoChallenge(address string, userID identity.UserId, challenge []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityKey{address, userID}]
	if !ok {
		id = &identity.Identity{Address: address, UserId: userID}
		s.identities[identityKey{address, userID}] = id
	}
	id.EchoChallenge = challenge
	return nil
}
