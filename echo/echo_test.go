package echo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/echo"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store/memstore"
	"github.com/pep-project/pepengine-go/wirecodec"
)

type captureDeliverer struct {
	sent []*message.Message
}

func (c *captureDeliverer) DeliverPeerProtocolMessage(msg *message.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func TestChallengeForIsStable(t *testing.T) {
	st := memstore.New()
	svc := echo.New(st, wirecodec.ASN1Codec{}, nil, true)

	first, err := svc.ChallengeFor("dave@example.org", "dave")
	require.NoError(t, err)
	second, err := svc.ChallengeFor("dave@example.org", "dave")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 16)
}

func TestSendPingDeliversDistributionMessage(t *testing.T) {
	st := memstore.New()
	deliverer := &captureDeliverer{}
	svc := echo.New(st, wirecodec.ASN1Codec{}, deliverer, true)

	alice := &identity.Identity{Address: "alice@example.org", UserId: "alice"}
	dave := &identity.Identity{Address: "dave@example.org", UserId: "dave"}

	require.NoError(t, svc.SendPing(alice, dave))
	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, message.EncFormatPeerProtocol, deliverer.sent[0].EncFormat)

	dist, err := wirecodec.ASN1Codec{}.Decode([]byte(deliverer.sent[0].LongMsg))
	require.NoError(t, err)
	require.NotNil(t, dist.Echo)
	assert.Equal(t, wirecodec.EchoPing, dist.Echo.Kind)
}

func TestHandleIncomingPongMismatchIsRejected(t *testing.T) {
	st := memstore.New()
	svc := echo.New(st, wirecodec.ASN1Codec{}, &captureDeliverer{}, true)

	dave := &identity.Identity{Address: "dave@example.org", UserId: "dave"}
	challenge, err := svc.ChallengeFor(dave.Address, dave.UserId)
	require.NoError(t, err)

	notified := false
	err = svc.HandleIncoming(&wirecodec.Echo{Kind: wirecodec.EchoPong, Challenge: []byte("wrong-challenge!")}, dave, nil,
		func(string) { notified = true })
	require.Error(t, err)
	assert.True(t, status.Is(err, status.DistributionIllegalMessage))
	assert.False(t, notified)

	notified = false
	err = svc.HandleIncoming(&wirecodec.Echo{Kind: wirecodec.EchoPong, Challenge: challenge}, dave, nil,
		func(string) { notified = true })
	require.NoError(t, err)
	assert.True(t, notified)
}
