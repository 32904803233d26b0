package wirecodec

import (
	"encoding/asn1"

	"github.com/pkg/errors"
)

// asn1Distribution is the concrete ASN.1 shape Codec marshals. It is
// kept separate from Distribution so callers never depend on asn1 tags.
type asn1Distribution struct {
	EchoPresent     bool
	Echo            asn1Echo
	KeyResetPresent bool
	KeyReset        asn1KeyReset
}

type asn1Echo struct {
	Kind      int
	Challenge []byte
}

type asn1KeyReset struct {
	Kind        int
	OldFpr      string
	NewFpr      string
	CommandList []string
}

// ASN1Codec is the default Codec, encoding Distribution frames as DER
// per encoding/asn1.
type ASN1Codec struct{}

var _ Codec = ASN1Codec{}

func (ASN1Codec) Encode(d Distribution) ([]byte, error) {
	var w asn1Distribution
	switch {
	case d.Echo != nil:
		w.EchoPresent = true
		w.Echo = asn1Echo{Kind: int(d.Echo.Kind), Challenge: d.Echo.Challenge}
	case d.KeyReset != nil:
		w.KeyResetPresent = true
		w.KeyReset = asn1KeyReset{
			Kind:        int(d.KeyReset.Kind),
			OldFpr:      d.KeyReset.OldFpr,
			NewFpr:      d.KeyReset.NewFpr,
			CommandList: d.KeyReset.CommandList,
		}
	default:
		return nil, errors.New("wirecodec: empty Distribution")
	}
	out, err := asn1.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "wirecodec: marshal distribution")
	}
	return out, nil
}

func (ASN1Codec) Decode(data []byte) (Distribution, error) {
	var w asn1Distribution
	rest, err := asn1.Unmarshal(data, &w)
	if err != nil {
		return Distribution{}, errors.Wrap(err, "wirecodec: unmarshal distribution")
	}
	if len(rest) != 0 {
		return Distribution{}, errors.New("wirecodec: trailing bytes after distribution")
	}
	var d Distribution
	switch {
	case w.EchoPresent:
		d.Echo = &Echo{Kind: EchoKind(w.Echo.Kind), Challenge: w.Echo.Challenge}
	case w.KeyResetPresent:
		d.KeyReset = &KeyReset{
			Kind:        KeyResetKind(w.KeyReset.Kind),
			OldFpr:      w.KeyReset.OldFpr,
			NewFpr:      w.KeyReset.NewFpr,
			CommandList: w.KeyReset.CommandList,
		}
	default:
		return Distribution{}, errors.New("wirecodec: decoded distribution is empty")
	}
	return d, nil
}
