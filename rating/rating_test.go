package rating_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/rating"
)

func TestFromCommType(t *testing.T) {
	assert.Equal(t, identity.RatingUndefined, rating.FromCommType(identity.CommTypeUnknown))
	assert.Equal(t, identity.RatingHaveNoKey, rating.FromCommType(identity.CommTypeKeyNotFound))
	assert.Equal(t, identity.RatingUnderAttack, rating.FromCommType(identity.CommTypeCompromised))
	assert.Equal(t, identity.RatingMistrust, rating.FromCommType(identity.CommTypeMistrusted))
	assert.Equal(t, identity.RatingUnencrypted, rating.FromCommType(identity.CommTypeNoEncryption))
	assert.Equal(t, identity.RatingTrusted, rating.FromCommType(identity.OpenPGPConfirmed))
	assert.Equal(t, identity.RatingReliable, rating.FromCommType(identity.CommTypeOpenPGPUnconfirmed))
	assert.Equal(t, identity.RatingUnreliable, rating.FromCommType(identity.CommTypeToBeChecked))
}

func TestForMessagePointwiseMinimum(t *testing.T) {
	got := rating.ForMessage("", []rating.Recipient{
		{CommType: identity.OpenPGPConfirmed, Fingerprint: "AAAA"},
		{CommType: identity.CommTypeOpenPGPUnconfirmed, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingReliable, got)
}

func TestForMessageMistrustFloorCollapses(t *testing.T) {
	got := rating.ForMessage("", []rating.Recipient{
		{CommType: identity.OpenPGPConfirmed, Fingerprint: "AAAA"},
		{CommType: identity.CommTypeMistrusted, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingMistrust, got)
}

func TestForMessageSkipsSender(t *testing.T) {
	got := rating.ForMessage("AAAA", []rating.Recipient{
		{CommType: identity.CommTypeMistrusted, Fingerprint: "AAAA"},
		{CommType: identity.OpenPGPConfirmed, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingTrusted, got)
}

func TestForMessageCompromisedFloorCollapses(t *testing.T) {
	got := rating.ForMessage("", []rating.Recipient{
		{CommType: identity.OpenPGPConfirmed, Fingerprint: "AAAA"},
		{CommType: identity.CommTypeCompromised, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingUnderAttack, got)
}

func TestForMessageKeylessRecipientIsNotAFloor(t *testing.T) {
	// A recipient we simply have no key for lowers the rating but must
	// not collapse it the way mistrust does.
	got := rating.ForMessage("", []rating.Recipient{
		{CommType: identity.CommTypeKeyNotFound, Fingerprint: ""},
		{CommType: identity.OpenPGPConfirmed, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingHaveNoKey, got)
}

func TestForIncomingFoldsSenderAndRecipients(t *testing.T) {
	got := rating.ForIncoming(identity.PeerProtocolConfirmed, "AAAA", []rating.Recipient{
		{CommType: identity.CommTypeOpenPGPUnconfirmed, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingReliable, got)

	got = rating.ForIncoming(identity.PeerProtocolConfirmed, "AAAA", []rating.Recipient{
		{CommType: identity.CommTypeMistrusted, Fingerprint: "BBBB"},
	})
	assert.Equal(t, identity.RatingMistrust, got)

	// A keylist holding only the sender leaves the sender's own rating.
	got = rating.ForIncoming(identity.OpenPGPConfirmed, "AAAA", []rating.Recipient{
		{CommType: identity.CommTypeMistrusted, Fingerprint: "AAAA"},
	})
	assert.Equal(t, identity.RatingTrusted, got)
}

func TestEncryptable(t *testing.T) {
	assert.True(t, rating.Encryptable(identity.RatingReliable))
	assert.True(t, rating.Encryptable(identity.RatingTrusted))
	assert.False(t, rating.Encryptable(identity.RatingUnencrypted))
	assert.False(t, rating.Encryptable(identity.RatingHaveNoKey))
	assert.False(t, rating.Encryptable(identity.RatingMistrust))
	assert.False(t, rating.Encryptable(identity.RatingUnderAttack))
}
