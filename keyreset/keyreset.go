// Package keyreset implements revoking an own key and propagating that
// revocation to previously-contacted peers.
package keyreset

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/mimecodec"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
	"github.com/pep-project/pepengine-go/wirecodec"
)

// Deliverer hands a fully encrypted reset notification to transport.
// Declared locally (rather than reused from package echo) so keyreset has
// no compile-time dependency on echo.
type Deliverer interface {
	DeliverResetNotification(msg *message.Message) error
}

// Service is the KeyReset subsystem, bound to one session's store,
// crypto backend and codecs.
type Service struct {
	Store   store.Store
	Backend cryptobackend.Backend
	Wire    wirecodec.Codec
	MIME    mimecodec.Codec
	Clock   store.Clock
	Deliver Deliverer
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}

// Reset generates a fresh keypair for ident, revokes the old one in the
// backend and in the revocation table with the current epoch, updates
// ident's default, then notifies every social-graph contact.
func (s *Service) Reset(ident *identity.Identity) (*identity.Identity, error) {
	oldFpr := ident.Fingerprint

	newFpr, err := s.Backend.GenerateKeypair(ident)
	if err != nil {
		return nil, errors.Wrap(err, "keyreset: generate replacement keypair")
	}
	if oldFpr != "" {
		if err := s.Backend.RevokeKey(oldFpr, "key reset"); err != nil {
			return nil, errors.Wrap(err, "keyreset: revoke old key")
		}
		if err := s.Store.SetRevocation(identity.Revocation{
			RevokedFpr:     oldFpr,
			ReplacementFpr: newFpr,
			Epoch:          s.now(),
		}); err != nil {
			return nil, errors.Wrap(err, "keyreset: record revocation")
		}
	}

	updated := *ident
	updated.Fingerprint = newFpr
	updated.CommType = identity.PeerProtocolConfirmed
	if err := s.Store.SetIdentity(&updated); err != nil {
		return nil, errors.Wrap(err, "keyreset: update own identity")
	}

	if oldFpr != "" {
		s.notifyContacts(&updated, oldFpr, newFpr)
	}
	return &updated, nil
}

// notifyContacts composes, encrypts, and delivers a ManagedGroup reset
// frame to every contact in the social graph, then records the
// notification to avoid double-notifying. Per-contact failures are
// logged and swallowed.
func (s *Service) notifyContacts(own *identity.Identity, oldFpr, newFpr identity.Fingerprint) {
	contacts, err := s.Store.ListContacts(own.UserId, own.Address)
	if err != nil {
		log.Debugf("keyreset: list contacts for %s/%s failed: %v", own.Address, own.UserId, err)
		return
	}
	for _, c := range contacts {
		trust, err := s.contactFingerprint(c.ContactUserId)
		if err != nil {
			log.Debugf("keyreset: no key on file for contact %s: %v", c.ContactUserId, err)
			continue
		}
		msg, err := s.composeManagedGroup(own, c.ContactUserId, oldFpr, newFpr, trust)
		if err != nil {
			log.Debugf("keyreset: compose notification for %s failed: %v", c.ContactUserId, err)
			continue
		}
		if s.Deliver != nil {
			if err := s.Deliver.DeliverResetNotification(msg); err != nil {
				log.Debugf("keyreset: deliver notification to %s failed: %v", c.ContactUserId, err)
				continue
			}
		}
		if err := s.Store.SetRevocationNotification(identity.RevocationNotification{
			RevokedFpr: oldFpr, OwnAddress: own.Address, ContactUserId: c.ContactUserId,
		}); err != nil {
			log.Debugf("keyreset: record notification for %s failed: %v", c.ContactUserId, err)
		}
	}
}

// contactFingerprint is a best-effort lookup of some key the notification
// can be encrypted to; social-graph edges don't themselves carry a
// fingerprint, so this reads the default fingerprint of the contact's
// Person record. A contact with no default key on file cannot be reached
// and is skipped.
func (s *Service) contactFingerprint(contactUserID identity.UserId) (identity.Fingerprint, error) {
	person, err := s.Store.GetPerson(contactUserID)
	if err != nil {
		return "", err
	}
	if person.DefaultFingerprint == "" {
		return "", status.New(status.KeyNotFound)
	}
	return person.DefaultFingerprint, nil
}

func (s *Service) composeManagedGroup(own *identity.Identity, contactUserID identity.UserId, oldFpr, newFpr, encryptTo identity.Fingerprint) (*message.Message, error) {
	dist := wirecodec.Distribution{KeyReset: &wirecodec.KeyReset{
		Kind:   wirecodec.KeyResetManagedGroup,
		OldFpr: string(oldFpr),
		NewFpr: string(newFpr),
	}}
	return s.encryptAndWrap(own, contactUserID, dist, oldFpr, encryptTo)
}

// encryptAndWrap builds the KEY_RESET-wrapped envelope, signs it with
// the old key for authenticity (the peer still trusts it) and encrypts
// it to the contact's known key, then attaches a detached signature
// from the new key so the peer can begin trusting it.
func (s *Service) encryptAndWrap(own *identity.Identity, contactUserID identity.UserId, dist wirecodec.Distribution, oldFpr, encryptTo identity.Fingerprint) (*message.Message, error) {
	payload, err := s.Wire.Encode(dist)
	if err != nil {
		return nil, errors.Wrap(err, "keyreset: encode distribution")
	}

	inner := &message.Message{
		Direction: message.Outgoing,
		From:      own,
		To:        []*identity.Identity{{Address: "", UserId: contactUserID}},
		LongMsg:   string(payload),
		EncFormat: message.EncFormatPeerProtocol,
	}
	innerMIME, err := s.MIME.Encode(inner, nil)
	if err != nil {
		return nil, errors.Wrap(err, "keyreset: encode inner mime")
	}

	outer, err := message.BuildOuter(inner, innerMIME, message.StyleAttachment, message.WrapKeyReset, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "keyreset: build outer envelope")
	}
	outerMIME, err := s.MIME.Encode(outer, nil)
	if err != nil {
		return nil, errors.Wrap(err, "keyreset: encode outer mime")
	}

	ciphertext, err := s.Backend.EncryptAndSign([]identity.Fingerprint{encryptTo}, oldFpr, outerMIME)
	if err != nil {
		return nil, errors.Wrap(err, "keyreset: encrypt notification")
	}
	newKeySig, err := s.Backend.SignOnly(identity.Fingerprint(dist.KeyReset.NewFpr), ciphertext)
	if err == nil {
		outer.SetOptField("X-pEp-Reset-NewKey-Signature", string(newKeySig))
	}

	outer.LongMsg = string(ciphertext)
	outer.EncFormat = message.EncFormatPGPMIME
	return outer, nil
}

// Notify implements the receiver-side half of key reset: called when
// the decryption pipeline finds the incoming message was encrypted to
// one of our own fingerprints that is now locally revoked. Looks up the
// replacement fingerprint and sends a standalone reset notice to the
// sender so their next mail uses it.
func (s *Service) Notify(own *identity.Identity, revokedFpr identity.Fingerprint, sender *identity.Identity) error {
	already, err := s.Store.HasRevocationNotification(revokedFpr, own.Address, sender.UserId)
	if err != nil {
		return errors.Wrap(err, "keyreset: check notification history")
	}
	if already {
		return nil
	}

	rev, err := s.Store.GetRevocation(revokedFpr)
	if err != nil {
		return errors.Wrap(err, "keyreset: look up revocation record")
	}

	senderFpr := sender.Fingerprint
	if senderFpr == "" {
		return status.New(status.KeyNotFound)
	}

	dist := wirecodec.Distribution{KeyReset: &wirecodec.KeyReset{
		Kind:   wirecodec.KeyResetCommandNumber,
		OldFpr: string(revokedFpr),
		NewFpr: string(rev.ReplacementFpr),
	}}
	msg, err := s.encryptAndWrap(own, sender.UserId, dist, revokedFpr, senderFpr)
	if err != nil {
		return err
	}
	if s.Deliver != nil {
		if err := s.Deliver.DeliverResetNotification(msg); err != nil {
			return errors.Wrap(err, "keyreset: deliver receiver-side notice")
		}
	}
	return s.Store.SetRevocationNotification(identity.RevocationNotification{
		RevokedFpr: revokedFpr, OwnAddress: own.Address, ContactUserId: sender.UserId,
	})
}

// HandleManagedGroup applies an incoming KEY_RESET ManagedGroup frame:
// the sender's default fingerprint moves to the announced replacement.
func (s *Service) HandleManagedGroup(kr *wirecodec.KeyReset, sender *identity.Identity) error {
	if kr == nil || kr.Kind != wirecodec.KeyResetManagedGroup {
		return nil
	}
	if identity.Fingerprint(kr.OldFpr) != sender.Fingerprint {
		return nil
	}
	sender.Fingerprint = identity.Fingerprint(kr.NewFpr)
	return s.Store.SetIdentity(sender)
}
