package mimecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/message"
)

// RFC5322Codec is the default Codec, built on net/mail and
// mime/multipart.
type RFC5322Codec struct{}

var _ Codec = RFC5322Codec{}

func omit(fields []string, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

func addrListHeader(ids []*identity.Identity) string {
	var parts []string
	for _, id := range ids {
		if id == nil {
			continue
		}
		a := mail.Address{Name: id.Username, Address: id.Address}
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

func (RFC5322Codec) Encode(msg *message.Message, omitFields []string) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(name, value string) {
		if value == "" || omit(omitFields, name) {
			return
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", name, mime.QEncoding.Encode("utf-8", value))
	}

	if msg.From != nil {
		writeHeader("From", addrListHeader([]*identity.Identity{msg.From}))
	}
	writeHeader("To", addrListHeader(msg.To))
	writeHeader("Cc", addrListHeader(msg.CC))
	writeHeader("Subject", msg.ShortMsg)
	if !msg.Sent.IsZero() && !omit(omitFields, "Date") {
		fmt.Fprintf(&buf, "Date: %s\r\n", msg.Sent.Format(time.RFC1123Z))
	}
	if msg.ID != "" && !omit(omitFields, "Message-ID") {
		fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", msg.ID)
	}
	for _, f := range msg.OptFields {
		writeHeader(f.Key, f.Value)
	}

	if len(msg.Attachments) == 0 && msg.LongMsgFormatted == "" {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		qp := quotedprintable.NewWriter(&buf)
		if _, err := qp.Write([]byte(msg.LongMsg)); err != nil {
			return nil, errors.Wrap(err, "mimecodec: write body")
		}
		if err := qp.Close(); err != nil {
			return nil, errors.Wrap(err, "mimecodec: close body writer")
		}
		return buf.Bytes(), nil
	}

	mpw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mpw.Boundary())

	textPart, err := mpw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "mimecodec: create text part")
	}
	if _, err := textPart.Write([]byte(msg.LongMsg)); err != nil {
		return nil, errors.Wrap(err, "mimecodec: write text part")
	}

	if msg.LongMsgFormatted != "" {
		htmlPart, err := mpw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/html; charset=utf-8"},
		})
		if err != nil {
			return nil, errors.Wrap(err, "mimecodec: create html part")
		}
		if _, err := htmlPart.Write([]byte(msg.LongMsgFormatted)); err != nil {
			return nil, errors.Wrap(err, "mimecodec: write html part")
		}
	}

	for _, att := range msg.Attachments {
		header := textproto.MIMEHeader{
			"Content-Type":              {att.MIMEType},
			"Content-Transfer-Encoding": {"base64"},
		}
		disp := att.Disposition
		if disp == "" {
			disp = "attachment"
		}
		if att.Filename != "" {
			header.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disp, att.Filename))
		} else {
			header.Set("Content-Disposition", disp)
		}
		part, err := mpw.CreatePart(header)
		if err != nil {
			return nil, errors.Wrap(err, "mimecodec: create attachment part")
		}
		enc := base64.NewEncoder(base64.StdEncoding, part)
		if _, err := enc.Write(att.Data); err != nil {
			return nil, errors.Wrap(err, "mimecodec: write attachment")
		}
		if err := enc.Close(); err != nil {
			return nil, errors.Wrap(err, "mimecodec: close attachment encoder")
		}
	}

	if err := mpw.Close(); err != nil {
		return nil, errors.Wrap(err, "mimecodec: close multipart writer")
	}
	return buf.Bytes(), nil
}

func (RFC5322Codec) Decode(data []byte) (*message.Message, bool, error) {
	m, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, false, errors.Wrap(err, "mimecodec: parse message")
	}

	msg := &message.Message{Direction: message.Incoming}
	msg.ShortMsg = decodeHeaderValue(m.Header.Get("Subject"))
	msg.ID = strings.Trim(m.Header.Get("Message-Id"), "<>")
	for key := range m.Header {
		switch key {
		case "From", "To", "Cc", "Subject", "Date", "Message-Id", "Content-Type", "Content-Transfer-Encoding", "Mime-Version":
			continue
		}
		msg.SetOptField(wireHeaderName(key), m.Header.Get(key))
	}
	if from, err := mail.ParseAddress(m.Header.Get("From")); err == nil {
		msg.From = &identity.Identity{Address: from.Address, Username: from.Name}
	}

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil {
		body, _ := io.ReadAll(m.Body)
		msg.LongMsg = string(body)
		return msg, false, nil
	}

	isPGPMIME := mediaType == "multipart/encrypted" || mediaType == "multipart/signed"

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(m.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, isPGPMIME, errors.Wrap(err, "mimecodec: read multipart part")
			}
			if err := decodePart(msg, part); err != nil {
				return nil, isPGPMIME, err
			}
		}
		return msg, isPGPMIME, nil
	}

	body, _ := io.ReadAll(m.Body)
	msg.LongMsg = string(body)
	return msg, isPGPMIME, nil
}

// decodeHeaderValue undoes RFC 2047 encoded-word encoding; values that
// aren't encoded words come back verbatim.
func decodeHeaderValue(v string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// wireHeaderName undoes net/textproto's header canonicalization for the
// opt-fields whose spelling is fixed on the wire.
func wireHeaderName(canonical string) string {
	for _, name := range []string{
		message.OptFieldVersion,
		message.OptFieldWrappedMessageInfo,
		message.OptFieldSenderFPR,
		message.OptFieldEncStatus,
		message.OptFieldKeyList,
		message.OptFieldAutocrypt,
	} {
		if textproto.CanonicalMIMEHeaderKey(name) == canonical {
			return name
		}
	}
	return canonical
}

func decodePart(msg *message.Message, part *multipart.Part) error {
	defer part.Close()

	partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	if err != nil {
		partType = "text/plain"
	}
	disposition := part.Header.Get("Content-Disposition")

	var r io.Reader = part
	switch part.Header.Get("Content-Transfer-Encoding") {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, part)
	case "quoted-printable":
		r = quotedprintable.NewReader(part)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "mimecodec: read part body")
	}

	filename := part.FileName()
	if filename == "" && disposition != "" {
		filename = partParams["filename"]
	}

	switch {
	case partType == "text/plain" && filename == "":
		msg.LongMsg = string(data)
	case partType == "text/html" && filename == "":
		msg.LongMsgFormatted = string(data)
	default:
		msg.Attachments = append(msg.Attachments, message.Attachment{
			Data:        data,
			MIMEType:    partType,
			Filename:    filename,
			Disposition: strings.SplitN(disposition, ";", 2)[0],
		})
	}
	return nil
}
