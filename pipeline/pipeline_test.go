package pipeline_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/cryptobackend/backendtest"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/keymanager"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/mimecodec"
	"github.com/pep-project/pepengine-go/pipeline"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
	"github.com/pep-project/pepengine-go/store/memstore"
	"github.com/pep-project/pepengine-go/wirecodec"
)

func newPipeline(t *testing.T) (*pipeline.Pipeline, *memstore.Store, *backendtest.Backend) {
	t.Helper()
	st := memstore.New()
	backend := backendtest.New()
	p := &pipeline.Pipeline{
		Store:     st,
		Keys:      keymanager.New(st, backend, store.SystemClock{}, "alice"),
		Backend:   backend,
		MIME:      mimecodec.RFC5322Codec{},
		Wire:      wirecodec.ASN1Codec{},
		Clock:     store.SystemClock{},
		OwnUserID: "alice",
	}
	return p, st, backend
}

func outgoing(subject, body string, to ...*identity.Identity) *message.Message {
	return &message.Message{
		Direction: message.Outgoing,
		From:      &identity.Identity{Address: "alice@example.org", UserId: "alice", Username: "Alice"},
		To:        to,
		ShortMsg:  subject,
		LongMsg:   body,
	}
}

// addConfirmedPeer registers a keyed, wrapper-protocol-confirmed peer.
func addConfirmedPeer(t *testing.T, p *pipeline.Pipeline, st *memstore.Store, backend *backendtest.Backend, address string, userID identity.UserId) identity.Fingerprint {
	t.Helper()
	fpr := backend.AddKey(address, false)
	require.NoError(t, st.SetPerson(&identity.Person{UserId: userID, IsPeerProtocolUser: true}))
	ident, err := p.Keys.UpdateIdentity(&identity.Identity{Address: address, UserId: userID})
	require.NoError(t, err)
	require.Equal(t, fpr, ident.Fingerprint)
	require.NoError(t, p.Keys.TrustPersonalKey(ident))
	return fpr
}

func TestEncryptRejectsIncomingMessage(t *testing.T) {
	p, _, _ := newPipeline(t)
	msg := outgoing("hi", "body", &identity.Identity{Address: "bob@example.org"})
	msg.Direction = message.Incoming

	_, st, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.Error(t, err)
	assert.Equal(t, status.IllegalValue, st)
}

func TestEncryptRejectsMixedBcc(t *testing.T) {
	p, _, _ := newPipeline(t)
	msg := outgoing("hi", "body", &identity.Identity{Address: "bob@example.org"})
	msg.BCC = []*identity.Identity{{Address: "carol@example.org"}}

	_, st, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.Error(t, err)
	assert.Equal(t, status.IllegalValue, st)
}

func TestEncryptToKeylessRecipientAttachesOwnKey(t *testing.T) {
	p, _, _ := newPipeline(t)
	msg := outgoing("hi Charlie", "body", &identity.Identity{Address: "charlie@example.org", UserId: "charlie"})

	out, st, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, status.Unencrypted, st)

	var keyAttachment *message.Attachment
	for i := range out.Attachments {
		if out.Attachments[i].MIMEType == "application/pgp-keys" {
			keyAttachment = &out.Attachments[i]
		}
	}
	require.NotNil(t, keyAttachment)
	assert.Equal(t, "pEpkey.asc", keyAttachment.Filename)

	v, ok := out.OptField(message.OptFieldVersion)
	require.True(t, ok)
	assert.NotEmpty(t, v)
	assert.Equal(t, "hi Charlie", out.ShortMsg)
}

func TestEncryptDecryptRoundTripPreservesContent(t *testing.T) {
	p, st, backend := newPipeline(t)
	addConfirmedPeer(t, p, st, backend, "bob@example.org", "bob")

	msg := outgoing("the plan", "meet at noon\n", &identity.Identity{Address: "bob@example.org", UserId: "bob"})
	out, encStatus, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)
	require.Equal(t, status.Ok, encStatus)

	// The envelope hides the subject and carries the payload encrypted.
	assert.Equal(t, message.PEpMarker, out.ShortMsg)
	assert.NotContains(t, out.LongMsg, "meet at noon")
	aliceFpr := out.From.Fingerprint
	require.NotEmpty(t, aliceFpr)

	out.Direction = message.Incoming
	result, err := p.DecryptMessage(out, pipeline.DecryptOptions{})
	require.NoError(t, err)

	assert.Equal(t, "the plan", result.Message.ShortMsg)
	assert.Contains(t, result.Message.LongMsg, "meet at noon")

	senderFpr, ok := result.Message.OptField(message.OptFieldSenderFPR)
	require.True(t, ok)
	assert.Equal(t, string(aliceFpr), senderFpr)

	require.NotEmpty(t, result.Keylist)
	assert.Equal(t, aliceFpr, result.Keylist[0])

	encStatusField, ok := result.Message.OptField(message.OptFieldEncStatus)
	require.True(t, ok)
	assert.Equal(t, result.Rating.String(), encStatusField)
	_, ok = result.Message.OptField(message.OptFieldKeyList)
	assert.True(t, ok)
}

func TestEncryptHidesSubjectForNonWrapperPeer(t *testing.T) {
	p, _, backend := newPipeline(t)
	backend.AddKey("bob@example.org", false)

	bob := &identity.Identity{Address: "bob@example.org", UserId: "bob"}
	ident, err := p.Keys.UpdateIdentity(bob)
	require.NoError(t, err)
	require.NoError(t, p.Keys.TrustPersonalKey(ident))

	msg := outgoing("secret subject", "body\n", bob)
	out, encStatus, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)
	require.Equal(t, status.Ok, encStatus)
	assert.Equal(t, message.PEpMarker, out.ShortMsg)
}

func TestEncryptKeepsSubjectWhenConfigured(t *testing.T) {
	p, _, backend := newPipeline(t)
	p.Config.UnencryptedSubject = true
	backend.AddKey("bob@example.org", false)

	bob := &identity.Identity{Address: "bob@example.org", UserId: "bob"}
	ident, err := p.Keys.UpdateIdentity(bob)
	require.NoError(t, err)
	require.NoError(t, p.Keys.TrustPersonalKey(ident))

	msg := outgoing("public subject", "body\n", bob)
	out, _, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "public subject", out.ShortMsg)
}

func TestEncryptRecordsSocialGraphEdge(t *testing.T) {
	p, st, _ := newPipeline(t)
	msg := outgoing("hi", "body", &identity.Identity{Address: "charlie@example.org", UserId: "charlie"})

	_, _, err := p.EncryptMessage(msg, nil, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)

	edges, err := st.ListContacts("alice", "alice@example.org")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, identity.UserId("charlie"), edges[0].ContactUserId)
}

func TestDecryptRatingCollapsesOnMistrustedKeylistEntry(t *testing.T) {
	p, st, backend := newPipeline(t)
	addConfirmedPeer(t, p, st, backend, "bob@example.org", "bob")

	evil := identity.Fingerprint(strings.Repeat("DEAD", 10))
	require.NoError(t, st.AddMistrusted(evil))

	msg := outgoing("subject", "body\n", &identity.Identity{Address: "bob@example.org", UserId: "bob"})
	out, encStatus, err := p.EncryptMessage(msg, []identity.Fingerprint{evil}, message.EncFormatPGPMIME, pipeline.EncryptOptions{})
	require.NoError(t, err)
	require.Equal(t, status.Ok, encStatus)

	out.Direction = message.Incoming
	result, err := p.DecryptMessage(out, pipeline.DecryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, identity.RatingMistrust, result.Rating)
}

func TestDecryptUnencryptedMessagePassesThrough(t *testing.T) {
	p, _, _ := newPipeline(t)
	msg := &message.Message{
		Direction: message.Incoming,
		From:      &identity.Identity{Address: "bob@example.org", UserId: "bob"},
		ShortMsg:  "plain",
		LongMsg:   "nothing secret here",
	}

	result, err := p.DecryptMessage(msg, pipeline.DecryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, identity.RatingUnencrypted, result.Rating)
	assert.Equal(t, "plain", result.Message.ShortMsg)
}

func TestDecryptImportsAttachedKey(t *testing.T) {
	p, _, backend := newPipeline(t)

	armored := "-----BEGIN PGP PUBLIC KEY BLOCK-----\n\n" +
		strings.Repeat("AB12", 10) + "\n-----END PGP PUBLIC KEY BLOCK-----\n"
	msg := &message.Message{
		Direction: message.Incoming,
		From:      &identity.Identity{Address: "bob@example.org", UserId: "bob"},
		LongMsg:   "hello",
		Attachments: []message.Attachment{{
			Data:     []byte(armored),
			MIMEType: "application/pgp-keys",
			Filename: "bob.asc",
		}},
	}

	_, err := p.DecryptMessage(msg, pipeline.DecryptOptions{})
	require.NoError(t, err)

	imported := identity.Fingerprint(strings.Repeat("AB12", 10))
	has, err := backend.ContainsPrivateKey(imported)
	require.NoError(t, err)
	assert.False(t, has)
	_, known := backend.Keys[imported]
	assert.True(t, known)
}

func TestDecryptNotifiesSenderAboutRevokedOwnKey(t *testing.T) {
	p, st, backend := newPipeline(t)
	kr := &captureKeyReset{}
	p.KeyReset = kr

	alice, err := p.Keys.Myself(&identity.Identity{Address: "alice@example.org", UserId: "alice"})
	require.NoError(t, err)
	bobFpr := addConfirmedPeer(t, p, st, backend, "bob@example.org", "bob")

	oldFpr := alice.Fingerprint
	ciphertext, err := backend.EncryptAndSign([]identity.Fingerprint{oldFpr}, bobFpr, mustEncode(t, &message.Message{
		Direction: message.Outgoing,
		From:      &identity.Identity{Address: "bob@example.org", UserId: "bob", Username: "Bob"},
		ShortMsg:  "late mail",
		LongMsg:   "still using your old key\n",
	}))
	require.NoError(t, err)

	// The key is revoked only after the peer encrypted to it.
	require.NoError(t, backend.RevokeKey(oldFpr, "reset"))

	incoming := &message.Message{
		Direction: message.Incoming,
		From:      &identity.Identity{Address: "bob@example.org", UserId: "bob"},
		RecvBy:    alice,
		LongMsg:   string(ciphertext),
	}
	result, err := p.DecryptMessage(incoming, pipeline.DecryptOptions{})
	require.NoError(t, err)
	assert.True(t, result.Flags.OwnPrivateKey)
	require.Len(t, kr.notified, 1)
	assert.Equal(t, oldFpr, kr.notified[0])
}

type captureKeyReset struct {
	notified []identity.Fingerprint
}

func (c *captureKeyReset) Notify(own *identity.Identity, revokedFpr identity.Fingerprint, sender *identity.Identity) error {
	c.notified = append(c.notified, revokedFpr)
	return nil
}

func (c *captureKeyReset) HandleManagedGroup(kr *wirecodec.KeyReset, sender *identity.Identity) error {
	return nil
}

func mustEncode(t *testing.T, msg *message.Message) []byte {
	t.Helper()
	data, err := mimecodec.RFC5322Codec{}.Encode(msg, nil)
	require.NoError(t, err)
	return data
}
