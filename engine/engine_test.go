package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/cryptobackend/backendtest"
	"github.com/pep-project/pepengine-go/engine"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/pipeline"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store/memstore"
	pepsync "github.com/pep-project/pepengine-go/sync"
)

func newSession(opts ...engine.Option) (*engine.Session, *memstore.Store, *backendtest.Backend) {
	st := memstore.New()
	backend := backendtest.New()
	opts = append([]engine.Option{engine.WithOwnUserID("alice")}, opts...)
	return engine.New(st, backend, opts...), st, backend
}

func TestStartSyncRequiresOwnIdentity(t *testing.T) {
	s, _, _ := newSession()

	err := s.StartSync(func(me, partner *identity.Identity, signal pepsync.HandshakeSignal) {})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.SyncCannotStart))

	_, err = s.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.StartSync(func(me, partner *identity.Identity, signal pepsync.HandshakeSignal) {}))
}

func TestSessionEncryptDecryptRoundTrip(t *testing.T) {
	var sent []*message.Message
	s, st, backend := newSession(engine.WithMessageToSend(func(m *message.Message) error {
		sent = append(sent, m)
		return nil
	}))

	_, err := s.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)

	backend.AddKey("bob@example.org", false)
	require.NoError(t, st.SetPerson(&identity.Person{UserId: "bob", IsPeerProtocolUser: true}))
	bob, err := s.UpdateIdentity(&identity.Identity{Address: "bob@example.org", UserId: "bob"})
	require.NoError(t, err)
	require.NoError(t, s.TrustPersonalKey(bob))

	msg := &message.Message{
		Direction: message.Outgoing,
		From:      &identity.Identity{Address: "alice@example.org", UserId: "alice"},
		To:        []*identity.Identity{{Address: "bob@example.org", UserId: "bob"}},
		ShortMsg:  "lunch",
		LongMsg:   "tomorrow?\n",
	}
	out, encStatus, err := s.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)
	require.Equal(t, status.Ok, encStatus)

	out.Direction = message.Incoming
	result, err := s.DecryptMessage(out, pipeline.DecryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "lunch", result.Message.ShortMsg)
	assert.Contains(t, result.Message.LongMsg, "tomorrow?")
}

func TestResetOwnKeyIsVisibleToMyself(t *testing.T) {
	s, st, _ := newSession()

	own, err := s.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)
	oldFpr := own.Fingerprint

	updated, err := s.ResetOwnKey(own)
	require.NoError(t, err)
	require.NotEqual(t, oldFpr, updated.Fingerprint)

	again, err := s.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)
	assert.Equal(t, updated.Fingerprint, again.Fingerprint)

	rev, err := st.GetRevocation(oldFpr)
	require.NoError(t, err)
	assert.Equal(t, updated.Fingerprint, rev.ReplacementFpr)
	assert.False(t, rev.Epoch.After(time.Now().UTC()))
}

func TestSyncQueueThroughSession(t *testing.T) {
	s, _, _ := newSession()
	_, err := s.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.StartSync(func(me, partner *identity.Identity, signal pepsync.HandshakeSignal) {}))

	s.InjectSyncEvent(pepsync.Event{Payload: []byte("one")})
	ev, err := s.RetrieveNextSyncEvent(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "one", string(ev.Payload))

	ev, err = s.RetrieveNextSyncEvent(20 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ev.Timeout)
}

func TestConfigPassphraseIsSingleSlot(t *testing.T) {
	s, _, _ := newSession()
	s.ConfigPassphrase("hunter2")
	s.ConfigPassphrase("")

	// Clearing the slot leaves the pipeline with nothing to retry with;
	// the call is still safe.
	_, err := s.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)
}
