package keyreset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/cryptobackend/backendtest"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/keyreset"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/mimecodec"
	"github.com/pep-project/pepengine-go/store"
	"github.com/pep-project/pepengine-go/store/memstore"
	"github.com/pep-project/pepengine-go/wirecodec"
)

type captureDeliverer struct {
	sent []*message.Message
}

func (c *captureDeliverer) DeliverResetNotification(msg *message.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func newService() (*keyreset.Service, *memstore.Store, *backendtest.Backend, *captureDeliverer) {
	st := memstore.New()
	backend := backendtest.New()
	deliverer := &captureDeliverer{}
	svc := &keyreset.Service{
		Store:   st,
		Backend: backend,
		Wire:    wirecodec.ASN1Codec{},
		MIME:    mimecodec.RFC5322Codec{},
		Clock:   store.SystemClock{},
		Deliver: deliverer,
	}
	return svc, st, backend, deliverer
}

func ownIdentity(st *memstore.Store, backend *backendtest.Backend) *identity.Identity {
	fpr := backend.AddKey("alice@example.org", true)
	own := &identity.Identity{
		Address:     "alice@example.org",
		UserId:      "alice",
		Fingerprint: fpr,
		Flags:       identity.FlagOwn,
		CommType:    identity.PeerProtocolConfirmed,
	}
	_ = st.SetIdentity(own)
	return own
}

func addContact(st *memstore.Store, backend *backendtest.Backend, own *identity.Identity, address string, userID identity.UserId) identity.Fingerprint {
	fpr := backend.AddKey(address, false)
	_ = st.SetPerson(&identity.Person{UserId: userID, DefaultFingerprint: fpr})
	_ = st.AddSocialGraphEdge(identity.SocialGraphEdge{
		OwnUserId: own.UserId, OwnAddress: own.Address, ContactUserId: userID,
	})
	return fpr
}

func TestResetReplacesKeyAndRecordsRevocation(t *testing.T) {
	svc, st, backend, _ := newService()
	own := ownIdentity(st, backend)
	oldFpr := own.Fingerprint

	updated, err := svc.Reset(own)
	require.NoError(t, err)
	assert.NotEqual(t, oldFpr, updated.Fingerprint)

	revoked, err := backend.KeyRevoked(oldFpr)
	require.NoError(t, err)
	assert.True(t, revoked)

	rev, err := st.GetRevocation(oldFpr)
	require.NoError(t, err)
	assert.Equal(t, updated.Fingerprint, rev.ReplacementFpr)
}

func TestResetNotifiesSocialGraphContacts(t *testing.T) {
	svc, st, backend, deliverer := newService()
	own := ownIdentity(st, backend)
	addContact(st, backend, own, "bob@example.org", "bob")
	addContact(st, backend, own, "carol@example.org", "carol")
	oldFpr := own.Fingerprint

	_, err := svc.Reset(own)
	require.NoError(t, err)
	assert.Len(t, deliverer.sent, 2)

	for _, contact := range []identity.UserId{"bob", "carol"} {
		notified, err := st.HasRevocationNotification(oldFpr, own.Address, contact)
		require.NoError(t, err)
		assert.True(t, notified, "contact %s", contact)
	}
}

func TestResetSkipsKeylessContacts(t *testing.T) {
	svc, st, backend, deliverer := newService()
	own := ownIdentity(st, backend)
	_ = st.SetPerson(&identity.Person{UserId: "dave"})
	_ = st.AddSocialGraphEdge(identity.SocialGraphEdge{
		OwnUserId: own.UserId, OwnAddress: own.Address, ContactUserId: "dave",
	})

	_, err := svc.Reset(own)
	require.NoError(t, err)
	assert.Empty(t, deliverer.sent)
}

func TestNotifySendsOnceAndRecords(t *testing.T) {
	svc, st, backend, deliverer := newService()
	own := ownIdentity(st, backend)
	bobFpr := addContact(st, backend, own, "bob@example.org", "bob")

	oldFpr := own.Fingerprint
	updated, err := svc.Reset(own)
	require.NoError(t, err)
	deliverer.sent = nil

	// Reset already notified bob; a direct Notify must not repeat it.
	bob := &identity.Identity{Address: "bob@example.org", UserId: "bob", Fingerprint: bobFpr}
	require.NoError(t, svc.Notify(updated, oldFpr, bob))
	assert.Empty(t, deliverer.sent)
}

func TestNotifyComposesKeyResetWrap(t *testing.T) {
	svc, st, backend, deliverer := newService()
	own := ownIdentity(st, backend)
	oldFpr := own.Fingerprint
	newFpr := backend.AddKey("alice@example.org", true)
	require.NoError(t, st.SetRevocation(identity.Revocation{
		RevokedFpr: oldFpr, ReplacementFpr: newFpr,
	}))

	bobFpr := backend.AddKey("bob@example.org", false)
	bob := &identity.Identity{Address: "bob@example.org", UserId: "bob", Fingerprint: bobFpr}
	require.NoError(t, svc.Notify(own, oldFpr, bob))

	require.Len(t, deliverer.sent, 1)
	sent := deliverer.sent[0]
	v, ok := sent.OptField(message.OptFieldWrappedMessageInfo)
	require.True(t, ok)
	assert.Equal(t, string(message.WrapKeyReset), v)
}

func TestHandleManagedGroupUpdatesSenderDefault(t *testing.T) {
	svc, st, backend, _ := newService()

	oldFpr := backend.AddKey("bob@example.org", false)
	newFpr := backend.AddKey("bob@example.org", false)
	bob := &identity.Identity{Address: "bob@example.org", UserId: "bob", Fingerprint: oldFpr}
	require.NoError(t, st.SetIdentity(bob))

	err := svc.HandleManagedGroup(&wirecodec.KeyReset{
		Kind:   wirecodec.KeyResetManagedGroup,
		OldFpr: string(oldFpr),
		NewFpr: string(newFpr),
	}, bob)
	require.NoError(t, err)

	stored, err := st.GetIdentity("bob@example.org", "bob")
	require.NoError(t, err)
	assert.Equal(t, newFpr, stored.Fingerprint)
}

func TestHandleManagedGroupIgnoresMismatchedOldKey(t *testing.T) {
	svc, st, backend, _ := newService()

	current := backend.AddKey("bob@example.org", false)
	bob := &identity.Identity{Address: "bob@example.org", UserId: "bob", Fingerprint: current}
	require.NoError(t, st.SetIdentity(bob))

	err := svc.HandleManagedGroup(&wirecodec.KeyReset{
		Kind:   wirecodec.KeyResetManagedGroup,
		OldFpr: string(identity.Fingerprint("0000000000000000000000000000000000000000")),
		NewFpr: "1111111111111111111111111111111111111111",
	}, bob)
	require.NoError(t, err)

	stored, err := st.GetIdentity("bob@example.org", "bob")
	require.NoError(t, err)
	assert.Equal(t, current, stored.Fingerprint)
}
