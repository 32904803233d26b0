// Package wirecodec declares the WireCodec capability: encoding and
// decoding the ASN.1 Distribution frames carried inside Echo Ping/Pong
// messages and KeyReset notifications. Deployments that interoperate with
// PER-speaking peers inject a generated PER codec; the default shipped
// here encodes the same frames with the standard library's encoding/asn1.
package wirecodec

// Distribution is the outer frame every wire message carries. Exactly
// one of the payload fields is set, mirroring a PER CHOICE.
type Distribution struct {
	Echo     *Echo
	KeyReset *KeyReset
}

// EchoKind discriminates Ping from Pong within an Echo frame.
type EchoKind int

const (
	EchoPing EchoKind = iota
	EchoPong
)

// Echo is the wire content of an Echo challenge/response.
type Echo struct {
	Kind      EchoKind
	Challenge []byte
}

// KeyResetKind discriminates the two notification shapes carried by a
// reset message.
type KeyResetKind int

const (
	KeyResetCommandNumber KeyResetKind = iota
	KeyResetManagedGroup
)

// KeyReset is the wire content of a key reset notification.
type KeyReset struct {
	Kind        KeyResetKind
	OldFpr      string
	NewFpr      string
	CommandList []string
}

// Codec is the WireCodec capability: encode/decode a Distribution frame
// to/from the bytes carried as the plaintext of an Echo or KeyReset
// message.
type Codec interface {
	Encode(d Distribution) ([]byte, error)
	Decode(data []byte) (Distribution, error)
}
