package keymanager_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/cryptobackend/backendtest"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/keymanager"
	"github.com/pep-project/pepengine-go/store"
	"github.com/pep-project/pepengine-go/store/memstore"
)

func newManager() (*keymanager.Manager, *memstore.Store, *backendtest.Backend) {
	st := memstore.New()
	backend := backendtest.New()
	return keymanager.New(st, backend, store.SystemClock{}, "me"), st, backend
}

func TestMyselfGeneratesKeypairOnFirstCall(t *testing.T) {
	mgr, _, _ := newManager()

	ident, err := mgr.Myself(&identity.Identity{Address: "me@example.org", UserId: "me"})
	require.NoError(t, err)
	assert.NotEmpty(t, ident.Fingerprint)
	assert.Equal(t, identity.PeerProtocolConfirmed, ident.CommType)
	assert.True(t, ident.IsOwn())
}

func TestMyselfReusesExistingKey(t *testing.T) {
	mgr, _, _ := newManager()

	first, err := mgr.Myself(&identity.Identity{Address: "me@example.org", UserId: "me"})
	require.NoError(t, err)

	second, err := mgr.Myself(&identity.Identity{Address: "me@example.org", UserId: "me"})
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestMyselfReplacesRevokedKeyAndRecordsRevocation(t *testing.T) {
	mgr, st, backend := newManager()

	first, err := mgr.Myself(&identity.Identity{Address: "me@example.org", UserId: "me"})
	require.NoError(t, err)
	require.NoError(t, backend.RevokeKey(first.Fingerprint, "test"))

	second, err := mgr.Myself(&identity.Identity{Address: "me@example.org", UserId: "me"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)

	rev, err := st.GetRevocation(first.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, second.Fingerprint, rev.ReplacementFpr)
	assert.False(t, rev.Epoch.IsZero())
}

func TestUpdateIdentityRejectsOwnFlag(t *testing.T) {
	mgr, _, _ := newManager()

	_, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", Flags: identity.FlagOwn})
	assert.Error(t, err)
}

func TestUpdateIdentityRejectsEmptyAddress(t *testing.T) {
	mgr, _, _ := newManager()

	_, err := mgr.UpdateIdentity(&identity.Identity{UserId: "bob"})
	assert.Error(t, err)
}

func TestUpdateIdentitySynthesizesTOFU(t *testing.T) {
	mgr, _, _ := newManager()

	ident, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", Username: "Bob"})
	require.NoError(t, err)
	assert.True(t, ident.UserId.IsTOFU())
}

func TestUpdateIdentityIsIdempotent(t *testing.T) {
	mgr, _, backend := newManager()
	backend.AddKey("bob@example.org", false)

	in := identity.Identity{Address: "bob@example.org", UserId: "bob", Username: "Bob"}
	first, err := mgr.UpdateIdentity(&in)
	require.NoError(t, err)
	second, err := mgr.UpdateIdentity(&in)
	require.NoError(t, err)
	assert.Equal(t, first.UserId, second.UserId)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.CommType, second.CommType)
	assert.Equal(t, first.Username, second.Username)
}

func TestUpdateIdentityReconcilesTOFURow(t *testing.T) {
	mgr, _, _ := newManager()

	tofu, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", Username: "Bob"})
	require.NoError(t, err)
	require.True(t, tofu.UserId.IsTOFU())

	real, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob", Username: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, identity.UserId("bob"), real.UserId)
}

func TestAliasRedirectsUpdate(t *testing.T) {
	mgr, st, _ := newManager()

	_, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob", Username: "Bob"})
	require.NoError(t, err)
	require.NoError(t, st.SetUserIDAlias("bob-alt", "bob"))

	viaAlias, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob-alt"})
	require.NoError(t, err)
	assert.Equal(t, identity.UserId("bob"), viaAlias.UserId)
}

func TestElectionSkipsBlacklistedKey(t *testing.T) {
	mgr, st, backend := newManager()

	bad := backend.AddKey("bob@example.org", false)
	require.NoError(t, st.AddBlacklist(bad))
	good := backend.AddKey("bob@example.org", false)

	ident, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	assert.Equal(t, good, ident.Fingerprint)
}

func TestElectionReportsKeyNotFoundWhenNothingQualifies(t *testing.T) {
	mgr, st, backend := newManager()

	only := backend.AddKey("bob@example.org", false)
	require.NoError(t, st.AddBlacklist(only))

	ident, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	assert.Empty(t, ident.Fingerprint)
	assert.Equal(t, identity.CommTypeKeyNotFound, ident.CommType)
}

func TestTrustPersonalKeyConfirmsCommType(t *testing.T) {
	mgr, _, backend := newManager()
	backend.AddKey("bob@example.org", false)

	bob, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	require.NoError(t, mgr.TrustPersonalKey(bob))

	again, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	assert.True(t, again.CommType.IsConfirmed())
}

func TestRevokedKeyIsClearedAsDefaultEverywhere(t *testing.T) {
	mgr, st, backend := newManager()

	fpr := backend.AddKey("bob@example.org", false)
	bob, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	require.Equal(t, fpr, bob.Fingerprint)

	person, err := st.GetPerson("bob")
	require.NoError(t, err)
	require.Equal(t, fpr, person.DefaultFingerprint)

	require.NoError(t, backend.RevokeKey(fpr, "test"))

	// Re-election sees the revocation and must purge the stale default
	// from the person row too, not just the identity being processed.
	again, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	assert.Empty(t, again.Fingerprint)

	person, err = st.GetPerson("bob")
	require.NoError(t, err)
	assert.Empty(t, person.DefaultFingerprint)
}

func TestKeyMistrustedClearsDefaultBindingsEverywhere(t *testing.T) {
	mgr, st, backend := newManager()

	fpr := backend.AddKey("bob@example.org", false)
	bob, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	require.Equal(t, fpr, bob.Fingerprint)

	// The same key bound as default on a second identity row.
	other := &identity.Identity{Address: "bob@work.example.org", UserId: "bob", Fingerprint: fpr}
	require.NoError(t, st.SetIdentity(other))

	_, err = mgr.KeyMistrusted(bob)
	require.NoError(t, err)

	person, err := st.GetPerson("bob")
	require.NoError(t, err)
	assert.Empty(t, person.DefaultFingerprint)

	stored, err := st.GetIdentity("bob@work.example.org", "bob")
	require.NoError(t, err)
	assert.Empty(t, stored.Fingerprint)
}

func TestKeyMistrustedThenUndoRestoresIdentity(t *testing.T) {
	mgr, st, backend := newManager()

	bob, err := mgr.UpdateIdentity(&identity.Identity{Address: "bob@example.org", Username: "Bob"})
	require.NoError(t, err)
	fpr := backend.AddKey("bob@example.org", false)
	bob.Fingerprint = fpr
	require.NoError(t, st.SetIdentity(bob))

	_, err = mgr.KeyMistrusted(bob)
	require.NoError(t, err)

	mistrusted, err := st.IsMistrusted(fpr)
	require.NoError(t, err)
	assert.True(t, mistrusted)

	restored, err := mgr.UndoLastMistrust()
	require.NoError(t, err)
	assert.Equal(t, fpr, restored.Fingerprint)

	_, err = mgr.UndoLastMistrust()
	assert.Error(t, err)
}
