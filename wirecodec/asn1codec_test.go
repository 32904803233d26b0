package wirecodec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/wirecodec"
)

func TestASN1CodecRoundTripsEcho(t *testing.T) {
	codec := wirecodec.ASN1Codec{}
	want := wirecodec.Distribution{Echo: &wirecodec.Echo{Kind: wirecodec.EchoPing, Challenge: []byte("0123456789abcdef")}}

	data, err := codec.Encode(want)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, got.Echo)
	assert.Equal(t, want.Echo.Kind, got.Echo.Kind)
	assert.Equal(t, want.Echo.Challenge, got.Echo.Challenge)
	assert.Nil(t, got.KeyReset)
}

func TestASN1CodecRoundTripsKeyReset(t *testing.T) {
	codec := wirecodec.ASN1Codec{}
	want := wirecodec.Distribution{KeyReset: &wirecodec.KeyReset{
		Kind:        wirecodec.KeyResetManagedGroup,
		OldFpr:      "AAAA",
		NewFpr:      "BBBB",
		CommandList: []string{"one", "two"},
	}}

	data, err := codec.Encode(want)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, got.KeyReset)
	assert.Equal(t, want.KeyReset.OldFpr, got.KeyReset.OldFpr)
	assert.Equal(t, want.KeyReset.NewFpr, got.KeyReset.NewFpr)
	assert.Equal(t, want.KeyReset.CommandList, got.KeyReset.CommandList)
}

func TestASN1CodecRejectsEmptyDistribution(t *testing.T) {
	codec := wirecodec.ASN1Codec{}
	_, err := codec.Encode(wirecodec.Distribution{})
	assert.Error(t, err)
}
