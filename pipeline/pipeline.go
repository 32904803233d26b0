// Package pipeline implements the encrypt/decrypt orchestration that sits
// between the application, the key manager, the message wrapping helpers
// in package message, and the crypto backend. It is the session's single
// entry point for turning an outgoing message into wire bytes and an
// incoming one back into plaintext.
package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pep-project/pepengine-go/cryptobackend"
	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/keymanager"
	"github.com/pep-project/pepengine-go/message"
	"github.com/pep-project/pepengine-go/mimecodec"
	"github.com/pep-project/pepengine-go/rating"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
	"github.com/pep-project/pepengine-go/wirecodec"
)

// KeyResetService is the subset of keyreset.Service the pipeline drives
// from decryption: applying an incoming ManagedGroup frame and notifying
// a sender whose mail was encrypted to a now-revoked own key. Declared
// locally so pipeline has no compile-time dependency on keyreset.
type KeyResetService interface {
	Notify(own *identity.Identity, revokedFpr identity.Fingerprint, sender *identity.Identity) error
	HandleManagedGroup(kr *wirecodec.KeyReset, sender *identity.Identity) error
}

// EchoService is the subset of echo.Service the pipeline drives from
// decryption: answering an incoming Ping, checking an incoming Pong
// against the stored challenge, and probing keyless addresses seen on
// incoming mail. Declared locally for the same reason as KeyResetService.
type EchoService interface {
	HandleIncoming(e *wirecodec.Echo, from, recvBy *identity.Identity, notify func(signal string)) error
	TriggerOnIncoming(ids []*identity.Identity, recvBy *identity.Identity, restrictedToPeerProtocol bool, isPeerProtocolUser func(identity.UserId) bool)
	TriggerOnOutgoing(ids []*identity.Identity, from *identity.Identity, isPeerProtocolUser func(identity.UserId) bool)
}

// SendFunc is the application-supplied messageToSend callback:
// ownership of msg transfers to the callee on success.
type SendFunc func(msg *message.Message) error

// PassphraseFunc asks the application to supply a passphrase after the
// backend reports PassphraseRequired/WrongPassphrase. It
// returns the single-slot "current passphrase",
// or ok=false if the application declined.
type PassphraseFunc func() (passphrase string, ok bool)

// Config holds the runtime flags carried by the session.
type Config struct {
	UnencryptedSubject bool
	PassiveMode        bool
}

// Pipeline is the session-scoped encrypt/decrypt orchestrator, bound to
// one session's store, key manager, crypto backend and MIME codec.
type Pipeline struct {
	Store   store.Store
	Keys    *keymanager.Manager
	Backend cryptobackend.Backend
	MIME    mimecodec.Codec
	Wire    wirecodec.Codec
	Clock   store.Clock

	OwnUserID identity.UserId
	Config    Config

	Send       SendFunc
	Passphrase PassphraseFunc
	KeyReset   KeyResetService
	Echo       EchoService

	// NotifyHandshake forwards a SYNC_NOTIFY_* signal; the core never interprets it beyond passing it on.
	NotifyHandshake func(signal string)
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return time.Now().UTC()
}

// EncryptOptions carries the per-call encryption flags.
type EncryptOptions struct {
	ForceVersion1      bool
	ForceUnsigned      bool
	ForceNoAttachedKey bool
	KeyResetOnly       bool
}

// EncryptMessage implements encrypt_message. It returns
// the message to hand to transport (the original msg, stamped, when the
// result is Unencrypted; a freshly built wrapped/encrypted envelope when
// the message is wrapped; otherwise the original msg itself, with its
// subject hidden and its body replaced by the ciphertext) together with
// the resulting status.
func (p *Pipeline) EncryptMessage(msg *message.Message, extraKeys []identity.Fingerprint, encFormat message.EncFormat, opts EncryptOptions) (*message.Message, status.Status, error) {
	if msg.Direction != message.Outgoing {
		return nil, status.IllegalValue, status.New(status.IllegalValue)
	}
	if msg.EncFormat != message.EncFormatNone {
		return nil, status.IllegalValue, status.New(status.IllegalValue)
	}
	if len(msg.BCC) > 0 && (len(msg.To) > 0 || len(msg.CC) > 0 || len(msg.BCC) > 1) {
		return nil, status.IllegalValue, status.New(status.IllegalValue)
	}

	from := msg.From
	if from == nil {
		from = &identity.Identity{}
	}
	if from.UserId == "" {
		from.UserId = p.OwnUserID
	}
	from, err := p.Keys.Myself(from)
	if err != nil {
		return nil, 0, errors.Wrap(err, "pipeline: establish sender identity")
	}
	msg.From = from
	senderFpr := from.Fingerprint

	keylist := []identity.Fingerprint{senderFpr}
	keylist = append(keylist, extraKeys...)

	var recipients []*identity.Identity
	recipients = append(recipients, msg.To...)
	recipients = append(recipients, msg.CC...)
	if len(msg.To) == 0 && len(msg.CC) == 0 {
		recipients = append(recipients, msg.BCC...)
	}

	maxCommType := identity.PeerProtocolConfirmed
	maxVersion := identity.Version{Major: 1 << 30, Minor: 1 << 30}
	hasPeerProtocolUser := false
	allHaveKeys := true

	resolved := make([]*identity.Identity, 0, len(recipients))
	for _, r := range recipients {
		if r == nil {
			continue
		}
		var completed *identity.Identity
		var err error
		if r.IsOwn() {
			completed, err = p.Keys.Myself(r)
		} else {
			completed, err = p.Keys.UpdateIdentity(r)
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "pipeline: resolve recipient identity")
		}
		resolved = append(resolved, completed)

		if int(completed.CommType) < int(maxCommType) {
			maxCommType = completed.CommType
		}
		maxVersion = identity.Min(maxVersion, completed.Version)

		person, perr := p.Store.GetPerson(completed.UserId)
		if perr == nil && person.IsPeerProtocolUser {
			hasPeerProtocolUser = true
		}

		if completed.Fingerprint != "" {
			keylist = append(keylist, completed.Fingerprint)
		} else {
			allHaveKeys = false
		}

		if !completed.IsOwn() {
			if gerr := p.Store.AddSocialGraphEdge(identity.SocialGraphEdge{
				OwnUserId:     from.UserId,
				OwnAddress:    from.Address,
				ContactUserId: completed.UserId,
			}); gerr != nil {
				log.Debugf("pipeline: record contact %s: %v", completed.UserId, gerr)
			}
		}
	}
	msg.To = filterByList(resolved, msg.To)
	msg.CC = filterByList(resolved, msg.CC)
	if len(msg.To) == 0 && len(msg.CC) == 0 {
		msg.BCC = resolved
	}

	// Probing the resolved recipients happens before the encryptability
	// decision so even a fully keyless send seeds key discovery. The
	// peer-protocol format is exempt: echo's own pings travel in it, and
	// probing from inside a probe would never terminate.
	if p.Echo != nil && encFormat != message.EncFormatPeerProtocol {
		p.Echo.TriggerOnOutgoing(resolved, from, p.isPeerProtocolUser)
	}

	recipRatings := make([]rating.Recipient, 0, len(resolved))
	for _, r := range resolved {
		recipRatings = append(recipRatings, rating.Recipient{CommType: r.CommType, Fingerprint: r.Fingerprint})
	}
	resultRating := rating.ForMessage(senderFpr, recipRatings)
	if resultRating == identity.RatingUndefined {
		// Every recipient was the sender (or there were none); rate by
		// the worst comm-type instead of refusing to encrypt to self.
		resultRating = rating.FromCommType(maxCommType)
	}
	unencrypted := !allHaveKeys || !rating.Encryptable(resultRating) || encFormat == message.EncFormatNone

	if unencrypted {
		if !opts.ForceNoAttachedKey && (hasPeerProtocolUser || !p.Config.PassiveMode) {
			p.attachOwnKey(msg, senderFpr)
			p.attachRecentlyRevokedKey(msg, senderFpr)
		}
		msg.SetOptField(message.OptFieldVersion, "2.1")
		return msg, status.Unencrypted, nil
	}

	peerProtocolConfirmed := maxCommType.Confirmed() == identity.PeerProtocolConfirmed

	var inner *message.Message
	var outer *message.Message
	if encFormat != message.EncFormatInline && !opts.ForceVersion1 && peerProtocolConfirmed {
		inner = shallowCopy(msg)
		inner.SetOptField(message.OptFieldSenderFPR, string(senderFpr))

		style := message.StyleFor(maxVersion)
		innerMIME, err := p.MIME.Encode(inner, nil)
		if err != nil {
			return nil, 0, errors.Wrap(err, "pipeline: encode inner message")
		}
		wrapType := message.WrapInner
		if opts.KeyResetOnly {
			wrapType = message.WrapKeyReset
		}
		outer, err = message.BuildOuter(inner, innerMIME, style, wrapType, p.now())
		if err != nil {
			return nil, 0, errors.Wrap(err, "pipeline: build outer envelope")
		}
	} else {
		inner = msg
		if !p.Config.UnencryptedSubject {
			message.HideSubject(inner)
		}
		outer = inner
	}

	if !opts.ForceNoAttachedKey {
		p.attachOwnKey(outer, senderFpr)
	}

	plaintext, err := p.MIME.Encode(outer, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "pipeline: encode outer message")
	}

	var ciphertext []byte
	switch encFormat {
	case message.EncFormatInline:
		if opts.ForceUnsigned {
			ciphertext, err = p.Backend.EncryptOnly(keylist, []byte(outer.LongMsg))
		} else {
			ciphertext, err = p.Backend.EncryptAndSign(keylist, senderFpr, []byte(outer.LongMsg))
		}
		if err != nil {
			return nil, 0, p.retryOnPassphrase(err)
		}
		outer.LongMsg = string(ciphertext)
	default:
		if opts.ForceUnsigned {
			ciphertext, err = p.Backend.EncryptOnly(keylist, plaintext)
		} else {
			ciphertext, err = p.Backend.EncryptAndSign(keylist, senderFpr, plaintext)
		}
		if err != nil {
			return nil, 0, p.retryOnPassphrase(err)
		}
		outer.LongMsg = string(ciphertext)
		outer.Attachments = []message.Attachment{{
			Data:     []byte("Version: 1\r\n"),
			MIMEType: "application/pgp-encrypted",
		}}
		if encFormat == message.EncFormatPGPMIMEOutlook1 {
			outer.Attachments = append(outer.Attachments, message.Attachment{
				Data:     ciphertext,
				MIMEType: "application/octet-stream",
				Filename: "encrypted.asc",
			})
		}
	}

	outer.EncFormat = encFormat
	outer.ID = msg.ID
	outer.SetOptField(message.OptFieldVersion, "2.1")
	return outer, status.Ok, nil
}

// retryOnPassphrase handles a PassphraseRequired/WrongPassphrase error
// from the backend: it asks the application through Passphrase and
// signals "passphrase-required" to the handshake callback when no
// Passphrase callback is set or the application declines. The failed
// backend call is not repeated, even when a passphrase is supplied; the
// original error is always returned.
func (p *Pipeline) retryOnPassphrase(err error) error {
	if !status.Is(err, status.PassphraseRequired) && !status.Is(err, status.WrongPassphrase) {
		return err
	}
	if p.Passphrase == nil {
		if p.NotifyHandshake != nil {
			p.NotifyHandshake("passphrase-required")
		}
		return err
	}
	if _, ok := p.Passphrase(); !ok {
		if p.NotifyHandshake != nil {
			p.NotifyHandshake("passphrase-required")
		}
	}
	return err
}

func filterByList(resolved []*identity.Identity, original []*identity.Identity) []*identity.Identity {
	if len(original) == 0 {
		return original
	}
	out := make([]*identity.Identity, 0, len(original))
	for i := range original {
		if i < len(resolved) {
			out = append(out, resolved[i])
		}
	}
	return out
}

// shallowCopy produces the inner message from the caller's fields: same
// content, a separate struct so the outer envelope can be rebuilt around
// it independently.
func shallowCopy(m *message.Message) *message.Message {
	cp := *m
	cp.OptFields = append([]message.OptField(nil), m.OptFields...)
	return &cp
}

// attachOwnKey appends the sender's exported public key as an
// application/pgp-keys attachment named pEpkey.asc.
func (p *Pipeline) attachOwnKey(msg *message.Message, fpr identity.Fingerprint) {
	if fpr == "" {
		return
	}
	armored, err := p.Backend.ExportKey(fpr, false)
	if err != nil {
		log.Debugf("pipeline: export own key %s for attachment failed: %v", fpr, err)
		return
	}
	msg.Attachments = append(msg.Attachments, message.Attachment{
		Data:        armored,
		MIMEType:    "application/pgp-keys",
		Filename:    "pEpkey.asc",
		Disposition: "attachment",
	})
}

// attachRecentlyRevokedKey attaches the own key that currentFpr replaced
// if that revocation happened within the last 7 days, so a peer who only ever saw the old key can still decrypt/verify
// against it during the transition window.
func (p *Pipeline) attachRecentlyRevokedKey(msg *message.Message, currentFpr identity.Fingerprint) {
	rev, err := p.Store.GetRevocationByReplacement(currentFpr)
	if err != nil {
		return
	}
	if p.now().Sub(rev.Epoch) > 7*24*time.Hour {
		return
	}
	armored, err := p.Backend.ExportKey(rev.RevokedFpr, false)
	if err != nil {
		log.Debugf("pipeline: export recently revoked key %s failed: %v", rev.RevokedFpr, err)
		return
	}
	msg.Attachments = append(msg.Attachments, message.Attachment{
		Data:        armored,
		MIMEType:    "application/pgp-keys",
		Filename:    "pEpkey_revoked.asc",
		Disposition: "attachment",
	})
}

// DecryptFlags are the output flags of decrypt_message.
type DecryptFlags struct {
	SrcModified     bool
	OwnPrivateKey   bool
	Consume         bool
	DontTriggerSync bool
}

// DecryptOptions carries decrypt_message's input flags:
// UntrustedServer makes DecryptMessage, once decryption succeeds,
// re-encrypt the plaintext to an own key plus ExtraKeys and write it back
// into the source message (only when a Send callback is set).
type DecryptOptions struct {
	UntrustedServer bool
	ExtraKeys       []identity.Fingerprint
}

// DecryptResult is decrypt_message's output.
type DecryptResult struct {
	Message *message.Message
	Keylist []identity.Fingerprint
	Rating  identity.Rating
	Flags   DecryptFlags
}

// detectFormat classifies an incoming message: inline PGP begins with the
// ASCII-armor header; PGP/MIME carries an application/pgp-encrypted
// part, found by MIME type regardless of attachment order.
func detectFormat(m *message.Message) message.EncFormat {
	if strings.HasPrefix(strings.TrimSpace(m.LongMsg), "-----BEGIN PGP MESSAGE-----") {
		return message.EncFormatInline
	}
	for _, a := range m.Attachments {
		if a.MIMEType == "application/pgp-encrypted" {
			return message.EncFormatPGPMIME
		}
	}
	return message.EncFormatNone
}

// DecryptMessage implements decrypt_message.
func (p *Pipeline) DecryptMessage(msg *message.Message, opts DecryptOptions) (*DecryptResult, error) {
	format := detectFormat(msg)

	p.importAttachedKeys(msg)

	var ciphertext []byte
	var detachedSig []byte
	switch format {
	case message.EncFormatInline:
		ciphertext = []byte(msg.LongMsg)
	case message.EncFormatPGPMIME:
		// The armored blob lives in the body for messages this engine
		// built itself, and in an octet-stream part for standard
		// PGP/MIME (including the variant that reorders the parts).
		ciphertext = []byte(msg.LongMsg)
		if !strings.Contains(msg.LongMsg, "-----BEGIN PGP MESSAGE-----") {
			for _, a := range msg.Attachments {
				if a.MIMEType == "application/octet-stream" || bytes.Contains(a.Data, []byte("-----BEGIN PGP MESSAGE-----")) {
					ciphertext = a.Data
					break
				}
			}
		}
		for _, a := range msg.Attachments {
			if a.MIMEType == "application/pgp-signature" {
				detachedSig = a.Data
			}
		}
	default:
		// Unencrypted mail is still a chance to probe keyless peers.
		if p.Echo != nil {
			p.Echo.TriggerOnIncoming(echoCandidates(msg), msg.RecvBy, false, p.isPeerProtocolUser)
		}
		return &DecryptResult{Message: msg, Rating: identity.RatingUnencrypted}, nil
	}

	dr, err := p.Backend.DecryptAndVerify(ciphertext, nil)
	if err != nil {
		return nil, p.retryOnPassphrase(err)
	}
	if dr.Status == cryptobackend.DecryptedUnverified && len(detachedSig) > 0 {
		if redone, rerr := p.Backend.DecryptAndVerify(ciphertext, detachedSig); rerr == nil {
			dr = redone
		}
	}

	result := &DecryptResult{Rating: rating.FromDecryptStatus(dr.Status)}
	if len(dr.SignerKeys) > 0 {
		result.Keylist = append(result.Keylist, dr.SignerKeys[0])
	} else {
		result.Keylist = append(result.Keylist, "")
	}
	result.Keylist = append(result.Keylist, dr.RecipientKeys...)

	if dr.Status != cryptobackend.DecryptedAndVerified && dr.Status != cryptobackend.DecryptedUnverified {
		result.Message = msg
		return result, nil
	}

	inner, _, err := p.MIME.Decode(dr.Plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: decode inner mime")
	}
	inner.Direction = message.Incoming
	inner.RecvBy = msg.RecvBy

	wrap := message.DetectWrap(inner)
	idx, hasInnerAttachment := message.FindInnerAttachment(inner)
	if wrap.Present || hasInnerAttachment {
		outerForReconcile := inner
		if hasInnerAttachment {
			nested, _, derr := p.MIME.Decode(inner.Attachments[idx].Data)
			if derr == nil {
				nested.Direction = message.Incoming
				message.ReconcileFromOuter(nested, outerForReconcile)
				inner = nested
			}
		} else if wrap.Style == message.StyleLegacy {
			inner.LongMsg = message.PeelLegacyBody(inner.LongMsg)
		}
	} else {
		message.RestoreSubjectFromBody(inner)
	}

	from := inner.From
	if from == nil {
		from = msg.From
	}
	if from != nil {
		var updated *identity.Identity
		var uerr error
		if from.IsOwn() || from.UserId == p.OwnUserID {
			updated, uerr = p.Keys.Myself(from)
		} else {
			updated, uerr = p.Keys.UpdateIdentity(from)
		}
		if uerr == nil {
			inner.From = updated
			if dr.Status == cryptobackend.DecryptedAndVerified && len(result.Keylist) > 0 && result.Keylist[0] == updated.Fingerprint {
				_ = p.Keys.TrustPersonalKey(updated)
			}
			// A verified wrapped message proves the sender runs this
			// wrapper protocol: promote their Person and raise the stored
			// version if the inner declares a higher one.
			if wrap.Present && dr.Status == cryptobackend.DecryptedAndVerified && !updated.IsOwn() {
				p.promotePeerProtocolUser(updated, innerVersion(inner))
			}
		}
	}

	if wrap.Type == message.WrapKeyReset && p.Wire != nil && p.KeyReset != nil && inner.From != nil {
		if dist, derr := p.Wire.Decode([]byte(inner.LongMsg)); derr == nil && dist.KeyReset != nil {
			if herr := p.KeyReset.HandleManagedGroup(dist.KeyReset, inner.From); herr != nil {
				log.Debugf("pipeline: apply key reset from %s/%s: %v", inner.From.Address, inner.From.UserId, herr)
			}
		}
		result.Flags.Consume = true
	}

	if p.Echo != nil && p.Wire != nil && inner.From != nil {
		if dist, derr := p.Wire.Decode([]byte(inner.LongMsg)); derr == nil && dist.Echo != nil {
			if herr := p.Echo.HandleIncoming(dist.Echo, inner.From, msg.RecvBy, p.NotifyHandshake); herr != nil {
				if status.Is(herr, status.DistributionIllegalMessage) {
					return nil, herr
				}
				log.Debugf("pipeline: handle echo from %s/%s: %v", inner.From.Address, inner.From.UserId, herr)
			}
			result.Flags.Consume = true
			result.Flags.DontTriggerSync = true
		} else {
			p.Echo.TriggerOnIncoming(echoCandidates(inner), msg.RecvBy, false, p.isPeerProtocolUser)
		}
	}

	result.Message = inner
	if inner.From != nil {
		result.Rating = rating.ForIncoming(inner.From.CommType, inner.From.Fingerprint, p.keylistRecipients(result.Keylist))
	}
	p.checkOwnKeyRevoked(inner, result)

	inner.SetOptField(message.OptFieldEncStatus, result.Rating.String())
	inner.SetOptField(message.OptFieldKeyList, strings.Join(fingerprintsToStrings(result.Keylist), ","))
	inner.SetOptField(message.OptFieldVersion, "2.1")

	if opts.UntrustedServer && p.Send != nil {
		reencryptTo := result.chooseReencryptTarget(p)
		if reencryptTo != "" {
			if ct, err := p.Backend.EncryptAndSign(append([]identity.Fingerprint{reencryptTo}, opts.ExtraKeys...), "", dr.Plaintext); err == nil {
				msg.LongMsg = string(ct)
				result.Flags.SrcModified = true
			}
		}
	}

	return result, nil
}

// chooseReencryptTarget picks the key an untrusted-server caller's
// plaintext is re-encrypted to:
// the first key in the keylist that the backend holds a private
// component for, else the sender Person's default. No trust record is
// consulted for either choice.
func (r *DecryptResult) chooseReencryptTarget(p *Pipeline) identity.Fingerprint {
	for _, fpr := range r.Keylist {
		if fpr == "" {
			continue
		}
		if hasPriv, err := p.Backend.ContainsPrivateKey(fpr); err == nil && hasPriv {
			return fpr
		}
	}
	if r.Message != nil && r.Message.From != nil {
		if person, err := p.Store.GetPerson(r.Message.From.UserId); err == nil {
			return person.DefaultFingerprint
		}
	}
	return ""
}

// checkOwnKeyRevoked checks whether any fingerprint in the effective
// keylist matches a locally-revoked own key. For every such match the
// sender is told about the replacement so their next mail uses it;
// notification failures are swallowed and retried on the next contact.
func (p *Pipeline) checkOwnKeyRevoked(inner *message.Message, result *DecryptResult) {
	for _, fpr := range result.Keylist {
		if fpr == "" {
			continue
		}
		hasPriv, err := p.Backend.ContainsPrivateKey(fpr)
		if err != nil || !hasPriv {
			continue
		}
		revoked, err := p.Backend.KeyRevoked(fpr)
		if err != nil || !revoked {
			continue
		}
		result.Flags.OwnPrivateKey = true
		if p.KeyReset == nil || inner.From == nil || inner.From.IsOwn() {
			continue
		}
		own := inner.RecvBy
		if own == nil {
			own = &identity.Identity{Address: inner.From.Address, UserId: p.OwnUserID}
		}
		if nerr := p.KeyReset.Notify(own, fpr, inner.From); nerr != nil {
			log.Debugf("pipeline: key reset notice to %s/%s: %v", inner.From.Address, inner.From.UserId, nerr)
		}
	}
}

// keylistRecipients maps the encryption-recipient fingerprints of an
// effective keylist (first entry is the signer, skipped here) to
// rateable entries. Keys the session holds a private component for are
// the receiving side's own and are not rated; keys the backend cannot
// rate at all are skipped rather than dragging the message down for a
// recipient we know nothing about.
func (p *Pipeline) keylistRecipients(keylist []identity.Fingerprint) []rating.Recipient {
	var out []rating.Recipient
	for i, fpr := range keylist {
		if i == 0 || fpr == "" {
			continue
		}
		if hasPriv, err := p.Backend.ContainsPrivateKey(fpr); err == nil && hasPriv {
			continue
		}
		if mistrusted, err := p.Store.IsMistrusted(fpr); err == nil && mistrusted {
			out = append(out, rating.Recipient{CommType: identity.CommTypeMistrusted, Fingerprint: fpr})
			continue
		}
		if revoked, err := p.Backend.KeyRevoked(fpr); err == nil && revoked {
			out = append(out, rating.Recipient{CommType: identity.CommTypeKeyRevoked, Fingerprint: fpr})
			continue
		}
		ct, err := p.Backend.GetKeyRating(fpr)
		if err != nil || ct == identity.CommTypeUnknown || ct.Unconfirmed() == identity.CommTypeKeyNotFound {
			continue
		}
		out = append(out, rating.Recipient{CommType: ct, Fingerprint: fpr})
	}
	return out
}

// promotePeerProtocolUser marks the sender's Person as a wrapper-protocol
// user and bumps its stored version when the received inner message
// declares a higher one.
func (p *Pipeline) promotePeerProtocolUser(sender *identity.Identity, declared identity.Version) {
	person, err := p.Store.GetPerson(sender.UserId)
	if err != nil {
		return
	}
	changed := false
	if !person.IsPeerProtocolUser {
		person.IsPeerProtocolUser = true
		changed = true
	}
	if changed {
		if err := p.Store.SetPerson(person); err != nil {
			log.Debugf("pipeline: promote %s to peer-protocol user: %v", sender.UserId, err)
			return
		}
	}
	if sender.Version.Less(declared) {
		sender.Version = declared
		if err := p.Store.SetIdentity(sender); err != nil {
			log.Debugf("pipeline: store version for %s: %v", sender.UserId, err)
		}
	}
	if sender.CommType.AtLeast(identity.StrongButUnconfirmedMin) {
		upgraded := identity.CommTypePeerProtocolUnconfirmed
		if sender.CommType.IsConfirmed() {
			upgraded = identity.PeerProtocolConfirmed
		}
		if sender.CommType != upgraded {
			sender.CommType = upgraded
			_ = p.Store.SetTrust(&identity.Trust{UserId: sender.UserId, Fingerprint: sender.Fingerprint, CommType: upgraded})
			_ = p.Store.SetIdentity(sender)
		}
	}
}

// innerVersion reads the wire version the inner message declares via its
// X-pEp-Version opt-field; the zero Version when absent or malformed.
func innerVersion(m *message.Message) identity.Version {
	v, ok := m.OptField(message.OptFieldVersion)
	if !ok {
		return identity.Version{}
	}
	var major, minor int
	if _, err := fmt.Sscanf(v, "%d.%d", &major, &minor); err != nil {
		return identity.Version{}
	}
	return identity.Version{Major: major, Minor: minor}
}

// echoCandidates collects the identities an incoming message may be
// pinged over: from, to, cc and reply-to, never bcc.
func echoCandidates(m *message.Message) []*identity.Identity {
	var ids []*identity.Identity
	if m.From != nil {
		ids = append(ids, m.From)
	}
	ids = append(ids, m.To...)
	ids = append(ids, m.CC...)
	ids = append(ids, m.ReplyTo...)
	return ids
}

func (p *Pipeline) isPeerProtocolUser(userID identity.UserId) bool {
	person, err := p.Store.GetPerson(userID)
	return err == nil && person.IsPeerProtocolUser
}

// importAttachedKeys imports any outer attachment that is a
// recognisable armored OpenPGP key. Attachments embedded inside the
// still-encrypted ciphertext are never visible here, so only plaintext,
// unencrypted attachments are scanned.
func (p *Pipeline) importAttachedKeys(msg *message.Message) {
	for _, a := range msg.Attachments {
		if a.MIMEType != "application/pgp-keys" && !strings.HasSuffix(a.Filename, ".asc") {
			continue
		}
		if _, err := p.Backend.ImportKey(a.Data); err != nil {
			log.Debugf("pipeline: import attached key %s: %v", a.Filename, err)
		}
	}

	if ac, ok := msg.OptField(message.OptFieldAutocrypt); ok {
		if i := strings.Index(ac, "keydata="); i >= 0 {
			rest := ac[i+len("keydata="):]
			if j := strings.IndexByte(rest, ';'); j >= 0 {
				rest = rest[:j]
			}
			if _, err := p.Backend.ImportKey([]byte(strings.TrimSpace(rest))); err != nil {
				log.Debugf("pipeline: import autocrypt key: %v", err)
			}
		}
	}
}

func fingerprintsToStrings(fprs []identity.Fingerprint) []string {
	out := make([]string, len(fprs))
	for i, f := range fprs {
		out[i] = string(f)
	}
	return out
}

// DeliverPeerProtocolMessage implements echo.Deliverer: runs
// the built ping/pong message through EncryptMessage with
// EncFormatPeerProtocol and hands the result to Send, even when it comes
// back Unencrypted.
func (p *Pipeline) DeliverPeerProtocolMessage(msg *message.Message) error {
	out, _, err := p.EncryptMessage(msg, nil, message.EncFormatPeerProtocol, EncryptOptions{})
	if err != nil {
		return err
	}
	if p.Send == nil {
		return nil
	}
	return p.Send(out)
}

// DeliverResetNotification implements keyreset.Deliverer:
// keyreset.Service already produces a fully encrypted message (it signs
// with the revoked, superseded key directly, bypassing ordinary key
// election), so this only needs to hand it to transport.
func (p *Pipeline) DeliverResetNotification(msg *message.Message) error {
	if p.Send == nil {
		return nil
	}
	return p.Send(msg)
}
