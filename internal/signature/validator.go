package signature

import (
	"context"
	"crypto/hmac"
	"log/slog"
	"strings"

	"github.com/garrettladley/payhook/internal/xslog"
)

// Secret is a provider signing secret as stored. Its encoding is not
// trusted; every decoding in Strategies is tried.
type Secret struct {
	Value string
}

type Validator struct {
	strategies []Strategy
}

func NewValidator() *Validator {
	return &Validator{strategies: Strategies()}
}

// Validate reports whether provided matches an HMAC of the exact raw body
// under any supported strategy. It never panics on malformed input.
func (v *Validator) Validate(ctx context.Context, rawBody []byte, provided string, secret Secret) bool {
	s, ok := v.Match(rawBody, provided, secret)
	logger := xslog.FromContext(ctx)
	if ok {
		logger.DebugContext(ctx, "signature matched", slog.String("strategy", s.String()))
	} else {
		logger.DebugContext(ctx, "signature matched no strategy", xslog.Count(len(v.strategies)))
	}
	return ok
}

// Match returns the first strategy whose signature equals provided.
func (v *Validator) Match(rawBody []byte, provided string, secret Secret) (Strategy, bool) {
	candidates := candidates(provided)
	if len(candidates) == 0 {
		return Strategy{}, false
	}

	type macKey struct {
		decoding SecretDecoding
		digest   Digest
	}
	keys := make(map[SecretDecoding][]byte, len(decodings))
	sums := make(map[macKey][]byte, len(decodings)*len(digests))

	for _, s := range v.strategies {
		key, seen := keys[s.Decoding]
		if !seen {
			decoded, err := decodeSecret(secret.Value, s.Decoding)
			if err != nil {
				decoded = nil
			}
			keys[s.Decoding] = decoded
			key = decoded
		}
		if key == nil {
			continue
		}

		mk := macKey{decoding: s.Decoding, digest: s.Digest}
		sum, ok := sums[mk]
		if !ok {
			sum = mac(key, s.Digest, rawBody)
			sums[mk] = sum
		}

		expected := []byte(format(sum, s))
		for _, c := range candidates {
			if hmac.Equal(expected, []byte(c)) {
				return s, true
			}
		}
	}
	return Strategy{}, false
}

// candidates splits a header value into the signatures it carries.
// Accepts a bare signature or a comma separated list like
// "t=1700000000,v1=abc,v1=def".
func candidates(provided string) []string {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return nil
	}

	var out []string
	for part := range strings.SplitSeq(provided, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, val, found := strings.Cut(part, "=")
		switch {
		case found && (k == "v1" || k == "v0" || k == "sig" || k == "signature"):
			out = append(out, val)
		case found && k == "t":
			// timestamp component
		default:
			out = append(out, part)
		}
	}
	return out
}
