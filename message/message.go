// Package message defines the message data shape and the wrapping
// operations that build/peel the wire envelopes used to hide subjects
// and signal wrap type across protocol versions.
package message

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pep-project/pepengine-go/identity"
)

// Direction distinguishes outgoing messages the application is about to
// send from incoming messages it just received.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// EncFormat is the message's encryption format.
type EncFormat int

const (
	EncFormatNone EncFormat = iota
	EncFormatInline
	EncFormatPGPMIME
	EncFormatPGPMIMEOutlook1
	EncFormatPeerProtocol
)

// WrapType is the sentinel carried by a wrapped outer message, either as
// the legacy body line or the v2.1+ opt-field.
type WrapType string

const (
	WrapNone      WrapType = ""
	WrapInner     WrapType = "INNER"
	WrapOuter     WrapType = "OUTER"
	WrapKeyReset  WrapType = "KEY_RESET"
	WrapTransport WrapType = "TRANSPORT"
)

// Attachment is a single MIME part.
type Attachment struct {
	Data        []byte
	MIMEType    string
	Filename    string
	Disposition string
}

// OptField is one free-form, ordered key/value header.
type OptField struct {
	Key   string
	Value string
}

// Message is the record describes.
type Message struct {
	Direction Direction

	From    *identity.Identity
	To      []*identity.Identity
	CC      []*identity.Identity
	BCC     []*identity.Identity
	ReplyTo []*identity.Identity
	RecvBy  *identity.Identity

	ShortMsg        string // subject
	LongMsg         string // plain body
	LongMsgFormatted string // HTML body

	Attachments []Attachment
	OptFields   []OptField

	Sent     time.Time
	Received time.Time

	InReplyTo  []string
	References []string
	ID         string

	EncFormat EncFormat
}

// OptField looks up the first opt-field with the given key.
func (m *Message) OptField(key string) (string, bool) {
	for _, f := range m.OptFields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// SetOptField replaces (or appends) the opt-field with the given key.
func (m *Message) SetOptField(key, value string) {
	for i := range m.OptFields {
		if m.OptFields[i].Key == key {
			m.OptFields[i].Value = value
			return
		}
	}
	m.OptFields = append(m.OptFields, OptField{Key: key, Value: value})
}

// RemoveOptField deletes every opt-field with the given key.
func (m *Message) RemoveOptField(key string) {
	var kept []OptField
	for _, f := range m.OptFields {
		if f.Key != key {
			kept = append(kept, f)
		}
	}
	m.OptFields = kept
}

// PEpMarker is the fixed UTF-8 subject marker used to hide a message's
// real subject: the bytes 70 E2 89 A1 70, i.e. "p≡p".
const PEpMarker = "p≡p"

// Opt-field wire names, bit-exact.
const (
	OptFieldVersion             = "X-pEp-Version"
	OptFieldWrappedMessageInfo  = "X-pEp-Wrapped-Message-Info"
	OptFieldSenderFPR           = "X-pEp-Sender-FPR"
	OptFieldEncStatus           = "X-EncStatus"
	OptFieldKeyList             = "X-KeyList"
	OptFieldAutocrypt           = "Autocrypt"
)

// NewMessageID generates a fresh message id of the shape
// "pEp.<base36(epoch_seconds)>.<base36(64 random bits)>.<uuidv4>@<from-domain>".
func NewMessageID(now time.Time, fromAddress string) (string, error) {
	var randBits [8]byte
	if _, err := rand.Read(randBits[:]); err != nil {
		return "", err
	}
	var randVal uint64
	for _, b := range randBits {
		randVal = randVal<<8 | uint64(b)
	}
	domain := "localhost"
	if i := strings.LastIndexByte(fromAddress, '@'); i >= 0 {
		domain = fromAddress[i+1:]
	}
	return fmt.Sprintf("pEp.%s.%s.%s@%s",
		base36(uint64(now.Unix())), base36(randVal), uuid.New().String(), domain), nil
}

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

func base36(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [64]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = base36Digits[v%36]
		v /= 36
	}
	return string(buf[i:])
}

