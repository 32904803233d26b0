package message

import (
	"strings"
	"time"

	"github.com/pep-project/pepengine-go/identity"
)

// WrapStyle selects which wrap format BuildOuter emits.
type WrapStyle int

const (
	// StyleLegacy is the protocol <= 2.0 "pEp-Wrapped-Message-Info: ..."
	// sentinel-line format.
	StyleLegacy WrapStyle = iota
	// StyleAttachment is the protocol >= 2.1 opt-field format.
	StyleAttachment
)

// legacySentinelPrefix is the fixed line prefix the legacy wrap style
// places at the top of the inner message body.
const legacySentinelPrefix = "pEp-Wrapped-Message-Info: "

// StyleFor picks the wrap style for a given peer-protocol version: only
// 2.1 and above use the opt-field style.
func StyleFor(v identity.Version) WrapStyle {
	if v.Major > 2 || (v.Major == 2 && v.Minor >= 1) {
		return StyleAttachment
	}
	return StyleLegacy
}

// BuildOuter constructs the envelope message around inner: copies
// From/To/Cc/Bcc/ReplyTo, stamps a fresh message id,
// hides the subject behind PEpMarker, and attaches inner as the
// synthetic message/rfc822 payload (innerMIME, produced by the caller's
// MIMECodec).
func BuildOuter(inner *Message, innerMIME []byte, style WrapStyle, wrap WrapType, now time.Time) (*Message, error) {
	fromAddress := ""
	if inner.From != nil {
		fromAddress = inner.From.Address
	}
	id, err := NewMessageID(now, fromAddress)
	if err != nil {
		return nil, err
	}

	outer := &Message{
		Direction: Outgoing,
		From:      inner.From,
		To:        inner.To,
		CC:        inner.CC,
		BCC:       inner.BCC,
		ReplyTo:   inner.ReplyTo,
		ShortMsg:  PEpMarker,
		ID:        id,
		Sent:      now,
	}

	switch style {
	case StyleAttachment:
		outer.LongMsg = "This message was encrypted with p≡p (https://pep.software). " +
			"If you are seeing this, your client doesn't support it yet."
		outer.SetOptField(OptFieldWrappedMessageInfo, string(wrap))
	default:
		outer.LongMsg = legacySentinelPrefix + string(wrap)
	}

	outer.Attachments = append(outer.Attachments, Attachment{
		Data:        innerMIME,
		MIMEType:    "message/rfc822",
		Disposition: "inline",
	})
	return outer, nil
}

// DetectedWrap is what DetectWrap found in a message's body/opt-fields.
type DetectedWrap struct {
	Present bool
	Type    WrapType
	Style   WrapStyle
}

// DetectWrap inspects a decoded message for the wrap sentinel, either as
// a legacy body line or a v2.1+ opt-field.
func DetectWrap(m *Message) DetectedWrap {
	if v, ok := m.OptField(OptFieldWrappedMessageInfo); ok {
		return DetectedWrap{Present: true, Type: WrapType(v), Style: StyleAttachment}
	}
	if strings.HasPrefix(m.LongMsg, legacySentinelPrefix) {
		rest := m.LongMsg[len(legacySentinelPrefix):]
		line := rest
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i]
		}
		return DetectedWrap{Present: true, Type: WrapType(strings.TrimSpace(line)), Style: StyleLegacy}
	}
	return DetectedWrap{}
}

// PeelLegacyBody strips the sentinel line and its trailing blank line
// from a legacy-wrapped inner message's body, returning the original
// body.
func PeelLegacyBody(body string) string {
	if !strings.HasPrefix(body, legacySentinelPrefix) {
		return body
	}
	i := strings.Index(body, "\n\n")
	if i < 0 {
		return ""
	}
	return body[i+2:]
}

// FindInnerAttachment returns the index of the first message/rfc822
// attachment, used both to recognise a wrapped envelope and to extract
// its payload.
func FindInnerAttachment(m *Message) (int, bool) {
	for i, a := range m.Attachments {
		if a.MIMEType == "message/rfc822" {
			return i, true
		}
	}
	return -1, false
}

// ReconcileFromOuter fills in inner's From/To/Cc/Bcc/timestamps from
// outer wherever inner lacks them, and propagates the outer From's
// language("reconcile fields").
func ReconcileFromOuter(inner, outer *Message) {
	if inner.From == nil {
		inner.From = outer.From
	}
	if len(inner.To) == 0 {
		inner.To = outer.To
	}
	if len(inner.CC) == 0 {
		inner.CC = outer.CC
	}
	if len(inner.BCC) == 0 {
		inner.BCC = outer.BCC
	}
	if inner.Sent.IsZero() {
		inner.Sent = outer.Sent
	}
	if inner.Received.IsZero() {
		inner.Received = outer.Received
	}
	if inner.From != nil && outer.From != nil && inner.From.Language == "" {
		inner.From.Language = outer.From.Language
	}
}

// RestoreSubjectFromBody handles the fallback case:
// if plaintext begins with a "Subject:" line, moves it back into
// ShortMsg. When the body has neither a wrap sentinel nor a Subject:
// line, the original shortmsg is left untouched.
func RestoreSubjectFromBody(m *Message) {
	const prefix = "Subject: "
	if !strings.HasPrefix(m.LongMsg, prefix) {
		return
	}
	rest := m.LongMsg[len(prefix):]
	i := strings.Index(rest, "\n\n")
	if i < 0 {
		return
	}
	subjectLine := rest[:i]
	subjectLine = strings.TrimSuffix(subjectLine, "\r")
	m.ShortMsg = subjectLine
	m.LongMsg = rest[i+2:]
}

// HideSubject implements the non-peer-protocol subject-hiding branch
//: replaces ShortMsg with PEpMarker and prefixes
// the body with the original subject.
func HideSubject(m *Message) {
	if m.ShortMsg == "" {
		return
	}
	m.LongMsg = "Subject: " + m.ShortMsg + "\n\n" + m.LongMsg
	m.ShortMsg = PEpMarker
}
