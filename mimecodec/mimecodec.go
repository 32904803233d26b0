// Package mimecodec declares the MIMECodec capability: serializing a
// message.Message to/from the RFC 5322 + MIME bytes actually carried on
// the wire. Applications with their own mail stack inject a codec of
// their own; the default implementation is built on net/mail and
// mime/multipart.
package mimecodec

import "github.com/pep-project/pepengine-go/message"

// Codec is the MIMECodec capability.
type Codec interface {
	// Encode renders msg as a MIME document. omitFields lists header
	// names the caller wants left out of this rendering; nil keeps all
	// headers.
	Encode(msg *message.Message, omitFields []string) ([]byte, error)
	// Decode parses a MIME document back into a Message. The returned
	// bool reports whether the document's content-type indicated PGP/MIME
	// framing (multipart/encrypted or multipart/signed), which callers
	// need to pick the right decrypt path.
	Decode(data []byte) (*message.Message, bool, error)
}
