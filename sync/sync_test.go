package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/status"
	pepsync "github.com/pep-project/pepengine-go/sync"
)

func TestStartFailsWithoutOwnIdentity(t *testing.T) {
	d := pepsync.New(func() (bool, error) { return false, nil })
	err := d.Start(func(me, partner *identity.Identity, signal pepsync.HandshakeSignal) {})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.SyncCannotStart))
}

func TestInjectThenRetrieveIsFIFO(t *testing.T) {
	d := pepsync.New(func() (bool, error) { return true, nil })
	require.NoError(t, d.Start(func(me, partner *identity.Identity, signal pepsync.HandshakeSignal) {}))

	d.Inject(pepsync.Event{Payload: []byte("first")})
	d.Inject(pepsync.Event{Payload: []byte("second")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := d.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(ev.Payload))

	ev, err = d.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(ev.Payload))
}

func TestRetrieveTimesOut(t *testing.T) {
	d := pepsync.New(func() (bool, error) { return true, nil })
	require.NoError(t, d.Start(func(me, partner *identity.Identity, signal pepsync.HandshakeSignal) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ev, err := d.Retrieve(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Timeout)
}

func TestNotifyHandshakeWithoutStartFails(t *testing.T) {
	d := pepsync.New(func() (bool, error) { return true, nil })
	err := d.NotifyHandshake(nil, nil, pepsync.HandshakeSignal("rating-change"))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.SyncNoNotifyCallback))
}
