package mimecodec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/mimecodec"
)

func TestRFC5322CodecRoundTripsPlainText(t *testing.T) {
	codec := mimecodec.RFC5322Codec{}
	msg := &message.Message{
		From:     &identity.Identity{Address: "alice@example.org", Username: "Alice"},
		To:       []*identity.Identity{{Address: "bob@example.org", Username: "Bob"}},
		ShortMsg: "hello",
		LongMsg:  "hi there",
	}

	data, err := codec.Encode(msg, nil)
	require.NoError(t, err)

	got, isPGPMIME, err := codec.Decode(data)
	require.NoError(t, err)
	assert.False(t, isPGPMIME)
	assert.Equal(t, "hello", got.ShortMsg)
	assert.Contains(t, got.LongMsg, "hi there")
	require.NotNil(t, got.From)
	assert.Equal(t, "alice@example.org", got.From.Address)
}

func TestRFC5322CodecRoundTripsAttachment(t *testing.T) {
	codec := mimecodec.RFC5322Codec{}
	msg := &message.Message{
		From:     &identity.Identity{Address: "alice@example.org"},
		ShortMsg: "with attachment",
		LongMsg:  "see attached",
		Attachments: []message.Attachment{
			{Data: []byte("binary-ish content"), MIMEType: "application/octet-stream", Filename: "key.asc"},
		},
	}

	data, err := codec.Encode(msg, nil)
	require.NoError(t, err)

	got, _, err := codec.Decode(data)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "key.asc", got.Attachments[0].Filename)
	assert.Equal(t, []byte("binary-ish content"), got.Attachments[0].Data)
}

func TestRFC5322CodecOmitsRequestedFields(t *testing.T) {
	codec := mimecodec.RFC5322Codec{}
	msg := &message.Message{ShortMsg: "secret subject", LongMsg: "body"}

	data, err := codec.Encode(msg, []string{"Subject"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret subject")
}
