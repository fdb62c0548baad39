package signature

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // some providers still sign with HMAC-SHA1
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// SecretDecoding is one interpretation of how a stored secret is encoded.
type SecretDecoding string

const (
	DecodingRaw            SecretDecoding = "raw"
	DecodingBase64         SecretDecoding = "base64"
	DecodingBase64URL      SecretDecoding = "base64url"
	DecodingHex            SecretDecoding = "hex"
	DecodingPrefixedBase64 SecretDecoding = "prefixed_base64" // whsec_<base64>
)

type Digest string

const (
	DigestSHA256 Digest = "sha256"
	DigestSHA1   Digest = "sha1"
)

type Format string

const (
	FormatLowerHex Format = "hex"
	FormatUpperHex Format = "HEX"
	FormatBase64   Format = "base64"
	FormatPrefixed Format = "prefixed" // sha256=<lower hex>
)

var (
	decodings = []SecretDecoding{DecodingRaw, DecodingBase64, DecodingBase64URL, DecodingHex, DecodingPrefixedBase64}
	digests   = []Digest{DigestSHA256, DigestSHA1}
	formats   = []Format{FormatLowerHex, FormatUpperHex, FormatBase64, FormatPrefixed}
)

var ErrUndecodableSecret = errors.New("secret cannot be decoded")

// Strategy is one (secret decoding, digest, signature format) combination.
type Strategy struct {
	Decoding SecretDecoding
	Digest   Digest
	Format   Format
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Decoding, s.Digest, s.Format)
}

// Strategies lists every combination the validator tries, in order.
func Strategies() []Strategy {
	out := make([]Strategy, 0, len(decodings)*len(digests)*len(formats))
	for _, d := range decodings {
		for _, dg := range digests {
			for _, f := range formats {
				out = append(out, Strategy{Decoding: d, Digest: dg, Format: f})
			}
		}
	}
	return out
}

// Sign computes the signature of body under one strategy.
func Sign(body []byte, secret string, s Strategy) (string, error) {
	key, err := decodeSecret(secret, s.Decoding)
	if err != nil {
		return "", err
	}
	return format(mac(key, s.Digest, body), s), nil
}

func decodeSecret(secret string, d SecretDecoding) ([]byte, error) {
	switch d {
	case DecodingRaw:
		if secret == "" {
			return nil, ErrUndecodableSecret
		}
		return []byte(secret), nil
	case DecodingBase64:
		return nonEmpty(base64.StdEncoding.DecodeString(secret))
	case DecodingBase64URL:
		return nonEmpty(base64.RawURLEncoding.DecodeString(strings.TrimRight(secret, "=")))
	case DecodingHex:
		return nonEmpty(hex.DecodeString(secret))
	case DecodingPrefixedBase64:
		i := strings.IndexByte(secret, '_')
		if i < 0 {
			return nil, ErrUndecodableSecret
		}
		return nonEmpty(base64.StdEncoding.DecodeString(secret[i+1:]))
	default:
		return nil, ErrUndecodableSecret
	}
}

func nonEmpty(b []byte, err error) ([]byte, error) {
	if err != nil || len(b) == 0 {
		return nil, ErrUndecodableSecret
	}
	return b, nil
}

func mac(key []byte, d Digest, body []byte) []byte {
	var h func() hash.Hash
	switch d {
	case DigestSHA1:
		h = sha1.New
	default:
		h = sha256.New
	}
	m := hmac.New(h, key)
	m.Write(body)
	return m.Sum(nil)
}

func format(sum []byte, s Strategy) string {
	switch s.Format {
	case FormatUpperHex:
		return strings.ToUpper(hex.EncodeToString(sum))
	case FormatBase64:
		return base64.StdEncoding.EncodeToString(sum)
	case FormatPrefixed:
		return string(s.Digest) + "=" + hex.EncodeToString(sum)
	default:
		return hex.EncodeToString(sum)
	}
}
