// Package engine wires the store, key manager, pipeline, echo, key-reset
// and sync subsystems into a Session: the per-caller unit of state the
// application holds. A Session is single-threaded; only the sync consumer
// may run concurrently, and it talks to the rest of the engine solely
// through the event queue and the registered callbacks.
package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/echo"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/keymanager"
	"github.com/pep-project/pepengine-go/keyreset"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/mimecodec"
	"github.com/pep-project/pepengine-go/pipeline"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
	pepsync "github.com/pep-project/pepengine-go/sync"
	"github.com/pep-project/pepengine-go/wirecodec"
)

// Option configures a Session at construction time.
type Option func(*Session)

// WithOwnUserID sets the UserId the session treats as the local user.
func WithOwnUserID(id identity.UserId) Option {
	return func(s *Session) { s.ownUserID = id }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(c store.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithMIMECodec substitutes the RFC 5322 codec.
func WithMIMECodec(c mimecodec.Codec) Option {
	return func(s *Session) { s.mime = c }
}

// WithWireCodec substitutes the Distribution-frame codec, e.g. with a
// generated PER implementation.
func WithWireCodec(c wirecodec.Codec) Option {
	return func(s *Session) { s.wire = c }
}

// WithUnencryptedSubject leaves outgoing subjects readable instead of
// replacing them with the fixed marker.
func WithUnencryptedSubject(v bool) Option {
	return func(s *Session) { s.config.UnencryptedSubject = v }
}

// WithPassiveMode stops the engine from attaching the own public key to
// outgoing unencrypted mail unless a wrapper-protocol peer is among the
// recipients.
func WithPassiveMode(v bool) Option {
	return func(s *Session) { s.config.PassiveMode = v }
}

// WithEchoProtocol enables or disables the Ping/Pong probe protocol.
func WithEchoProtocol(v bool) Option {
	return func(s *Session) { s.echoEnabled = v }
}

// WithMessageToSend registers the application's transport callback.
// Without it, outbound echo pings and key-reset notices are dropped.
func WithMessageToSend(send pipeline.SendFunc) Option {
	return func(s *Session) { s.send = send }
}

// Session is one caller's engine instance.
type Session struct {
	store   store.Store
	backend cryptobackend.Backend
	mime    mimecodec.Codec
	wire    wirecodec.Codec
	clock   store.Clock

	ownUserID   identity.UserId
	config      pipeline.Config
	echoEnabled bool
	send        pipeline.SendFunc

	Keys     *keymanager.Manager
	Pipeline *pipeline.Pipeline
	Echo     *echo.Service
	KeyReset *keyreset.Service
	Sync     *pepsync.Driver

	// passphrase is the session's one-slot current passphrase; the
	// pipeline reads it when the backend asks for one.
	passphrase    string
	hasPassphrase bool

	ownEstablished bool
}

// New builds a Session over st and backend. The default codecs and clock
// are production ones; options override them.
func New(st store.Store, backend cryptobackend.Backend, opts ...Option) *Session {
	s := &Session{
		store:       st,
		backend:     backend,
		mime:        mimecodec.RFC5322Codec{},
		wire:        wirecodec.ASN1Codec{},
		clock:       store.SystemClock{},
		echoEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Keys = keymanager.New(st, backend, s.clock, s.ownUserID)
	s.Pipeline = &pipeline.Pipeline{
		Store:     st,
		Keys:      s.Keys,
		Backend:   backend,
		MIME:      s.mime,
		Wire:      s.wire,
		Clock:     s.clock,
		OwnUserID: s.ownUserID,
		Config:    s.config,
		Send:      s.deliver,
		Passphrase: func() (string, bool) {
			return s.passphrase, s.hasPassphrase
		},
	}
	s.Echo = echo.New(st, s.wire, s.Pipeline, s.echoEnabled)
	s.KeyReset = &keyreset.Service{
		Store:   st,
		Backend: backend,
		Wire:    s.wire,
		MIME:    s.mime,
		Clock:   s.clock,
		Deliver: s.Pipeline,
	}
	s.Pipeline.Echo = s.Echo
	s.Pipeline.KeyReset = s.KeyReset
	s.Sync = pepsync.New(s.hasOwnIdentity)
	return s
}

func (s *Session) deliver(msg *message.Message) error {
	if s.send == nil {
		return status.New(status.SyncNoMessageSendCallback)
	}
	return s.send(msg)
}

func (s *Session) hasOwnIdentity() (bool, error) {
	if s.ownEstablished {
		return true, nil
	}
	person, err := s.store.GetPerson(s.ownUserID)
	if err != nil {
		if status.Is(err, status.CannotFindIdentity) {
			return false, nil
		}
		return false, err
	}
	return person.DefaultFingerprint != "", nil
}

// Myself establishes ident as an own identity, generating a keypair on
// first use.
func (s *Session) Myself(ident *identity.Identity) (*identity.Identity, error) {
	result, err := s.Keys.Myself(ident)
	if err == nil {
		s.ownEstablished = true
	}
	return result, err
}

// UpdateIdentity completes a peer identity as known by the store.
func (s *Session) UpdateIdentity(ident *identity.Identity) (*identity.Identity, error) {
	return s.Keys.UpdateIdentity(ident)
}

// SetOwnKey adopts fpr as ident's default own key.
func (s *Session) SetOwnKey(ident *identity.Identity, fpr identity.Fingerprint) error {
	return s.Keys.SetOwnKey(ident, fpr)
}

// TrustPersonalKey confirms the trust record for ident's key.
func (s *Session) TrustPersonalKey(ident *identity.Identity) error {
	return s.Keys.TrustPersonalKey(ident)
}

// KeyResetTrust withdraws the confirmation from ident's trust record and
// clears any mistrust marker.
func (s *Session) KeyResetTrust(ident *identity.Identity) error {
	return s.Keys.KeyResetTrust(ident)
}

// KeyMistrusted marks ident's key compromised; UndoLastMistrust reverts
// the most recent call.
func (s *Session) KeyMistrusted(ident *identity.Identity) (*identity.Identity, error) {
	return s.Keys.KeyMistrusted(ident)
}

func (s *Session) UndoLastMistrust() (*identity.Identity, error) {
	return s.Keys.UndoLastMistrust()
}

// EncryptMessage turns an outgoing message into its wire form.
func (s *Session) EncryptMessage(msg *message.Message, extraKeys []identity.Fingerprint, encFormat message.EncFormat, opts pipeline.EncryptOptions) (*message.Message, status.Status, error) {
	return s.Pipeline.EncryptMessage(msg, extraKeys, encFormat, opts)
}

// DecryptMessage turns an incoming message back into plaintext, running
// the echo and key-reset dispatch that piggybacks on decryption.
func (s *Session) DecryptMessage(msg *message.Message, opts pipeline.DecryptOptions) (*pipeline.DecryptResult, error) {
	return s.Pipeline.DecryptMessage(msg, opts)
}

// ResetOwnKey revokes ident's current key, replaces it, and notifies all
// previously-contacted peers.
func (s *Session) ResetOwnKey(ident *identity.Identity) (*identity.Identity, error) {
	return s.KeyReset.Reset(ident)
}

// ConfigPassphrase sets the session's one-slot current passphrase.
func (s *Session) ConfigPassphrase(passphrase string) {
	s.passphrase = passphrase
	s.hasPassphrase = passphrase != ""
}

// StartSync registers the handshake callback and begins accepting sync
// events. There must already be at least one own identity.
func (s *Session) StartSync(notify pepsync.NotifyHandshakeFunc) error {
	if err := s.Sync.Start(notify); err != nil {
		return err
	}
	s.Pipeline.NotifyHandshake = func(signal string) {
		if err := s.Sync.NotifyHandshake(nil, nil, pepsync.HandshakeSignal(signal)); err != nil {
			log.Debugf("engine: forward handshake signal %q: %v", signal, err)
		}
	}
	return nil
}

// InjectSyncEvent enqueues ev for the sync consumer.
func (s *Session) InjectSyncEvent(ev pepsync.Event) {
	s.Sync.Inject(ev)
}

// RetrieveNextSyncEvent blocks for the next sync event, returning a
// synthetic Timeout event after threshold.
func (s *Session) RetrieveNextSyncEvent(threshold time.Duration) (pepsync.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), threshold)
	defer cancel()
	return s.Sync.Retrieve(ctx)
}

// Release shuts the session down and closes the store.
func (s *Session) Release() error {
	s.Sync.Inject(pepsync.Event{Shutdown: true})
	return s.store.Close()
}
