// Package echo implements the Echo Ping/Pong challenge/response
// subprotocol: probing key availability for peers the local session
// holds no key for, and reacting to a matching Pong by signalling the
// handshake callback.
package echo

import (
	"bytes"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
	"github.com/pep-project/pepengine-go/wirecodec"
)

// Deliverer hands a built peer-protocol message off to encryption and
// transport. The engine binds this to its own pipeline plus the
// messageToSend callback, so this package never depends on pipeline
// directly.
type Deliverer interface {
	DeliverPeerProtocolMessage(msg *message.Message) error
}

// Notifier is the subset of the handshake callback Echo needs: a bare
// signal name, since the engine doesn't interpret the signal beyond
// forwarding it. An alias so any func(string) satisfies it directly.
type Notifier = func(signal string)

// Service is the Echo subsystem, bound to one session's store.
type Service struct {
	Store   store.Store
	Codec   wirecodec.Codec
	Rand    io.Reader
	Enabled bool
	Deliver Deliverer
}

// New builds a Service with a CSPRNG source; Enabled mirrors the
// runtime's enable_echo_protocol flag.
func New(st store.Store, codec wirecodec.Codec, deliver Deliverer, enabled bool) *Service {
	return &Service{Store: st, Codec: codec, Rand: rand.Reader, Enabled: enabled, Deliver: deliver}
}

// ChallengeFor returns the stored 16-byte challenge for (address, userID),
// generating and persisting one on first use.
func (s *Service) ChallengeFor(address string, userID identity.UserId) ([]byte, error) {
	existing, err := s.Store.GetEchoChallenge(address, userID)
	if err != nil && !status.Is(err, status.CannotFindIdentity) {
		return nil, errors.Wrap(err, "echo: get challenge")
	}
	if len(existing) == 16 {
		return existing, nil
	}
	challenge := make([]byte, 16)
	if _, err := io.ReadFull(s.Rand, challenge); err != nil {
		return nil, errors.Wrap(err, "echo: generate challenge")
	}
	if err := s.Store.SetEchoChallenge(address, userID, challenge); err != nil {
		return nil, errors.Wrap(err, "echo: persist challenge")
	}
	return challenge, nil
}

func (s *Service) send(dist wirecodec.Distribution, from, to *identity.Identity) error {
	payload, err := s.Codec.Encode(dist)
	if err != nil {
		return errors.Wrap(err, "echo: encode distribution")
	}
	msg := &message.Message{
		Direction: message.Outgoing,
		From:      from,
		To:        []*identity.Identity{to},
		ShortMsg:  "pEp Sync/Echo",
		LongMsg:   string(payload),
		EncFormat: message.EncFormatPeerProtocol,
	}
	if s.Deliver == nil {
		return nil
	}
	return s.Deliver.DeliverPeerProtocolMessage(msg)
}

// SendPing emits a Distribution.Ping carrying to's stored challenge,
// sent from the from identity. Callers swallow errors per the
// best-effort contract; this method still reports them so the trigger
// paths can log.
func (s *Service) SendPing(from, to *identity.Identity) error {
	if !s.Enabled {
		return nil
	}
	challenge, err := s.ChallengeFor(to.Address, to.UserId)
	if err != nil {
		return err
	}
	return s.send(wirecodec.Distribution{Echo: &wirecodec.Echo{Kind: wirecodec.EchoPing, Challenge: challenge}}, from, to)
}

// SendPong replies to a received Ping, echoing challenge verbatim.
func (s *Service) SendPong(from, to *identity.Identity, challenge []byte) error {
	if !s.Enabled {
		return nil
	}
	return s.send(wirecodec.Distribution{Echo: &wirecodec.Echo{Kind: wirecodec.EchoPong, Challenge: challenge}}, from, to)
}

// HandleIncoming dispatches a decoded Echo frame found in an incoming
// peer-protocol message: Ping triggers an automatic Pong; Pong is
// checked against the stored challenge for from and, on mismatch,
// rejected with DistributionIllegalMessage without raising notify.
func (s *Service) HandleIncoming(e *wirecodec.Echo, from, recvBy *identity.Identity, notify Notifier) error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case wirecodec.EchoPing:
		return s.SendPong(recvBy, from, e.Challenge)
	case wirecodec.EchoPong:
		stored, err := s.Store.GetEchoChallenge(from.Address, from.UserId)
		if err != nil {
			return errors.Wrap(err, "echo: get stored challenge")
		}
		if !bytes.Equal(stored, e.Challenge) {
			return status.New(status.DistributionIllegalMessage)
		}
		if notify != nil {
			notify("outgoing-rating-change")
		}
		return nil
	default:
		return nil
	}
}

// TriggerOnIncoming sends a Ping, from recvBy, to every identity in ids
// (from|to|cc|reply-to, never Bcc) we hold no key for.
// restrictedToPeerProtocol narrows that to addresses already known as
// peer-protocol users. Failures are swallowed (best-effort).
func (s *Service) TriggerOnIncoming(ids []*identity.Identity, recvBy *identity.Identity, restrictedToPeerProtocol bool, isPeerProtocolUser func(identity.UserId) bool) {
	if !s.Enabled || recvBy == nil {
		return
	}
	for _, id := range ids {
		if id == nil || id.Fingerprint != "" {
			continue
		}
		if restrictedToPeerProtocol && (isPeerProtocolUser == nil || !isPeerProtocolUser(id.UserId)) {
			continue
		}
		if err := s.SendPing(recvBy, id); err != nil {
			log.Debugf("echo: ping to %s/%s failed: %v", id.Address, id.UserId, err)
		}
	}
}

// TriggerOnOutgoing pings only keyless addresses already known as
// peer-protocol users, sent from the message's own from identity.
func (s *Service) TriggerOnOutgoing(ids []*identity.Identity, from *identity.Identity, isPeerProtocolUser func(identity.UserId) bool) {
	if !s.Enabled || from == nil || isPeerProtocolUser == nil {
		return
	}
	for _, id := range ids {
		if id == nil || id.Fingerprint != "" || !isPeerProtocolUser(id.UserId) {
			continue
		}
		if err := s.SendPing(from, id); err != nil {
			log.Debugf("echo: ping to %s/%s failed: %v", id.Address, id.UserId, err)
		}
	}
}
