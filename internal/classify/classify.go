// Package classify maps raw tool failures onto a closed error taxonomy and
// derives stable lookup signatures for the remedy memory.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Kind is the closed failure taxonomy. Every raw error maps to exactly one.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindNetwork    Kind = "network"
	KindRateLimit  Kind = "rate_limit"
	KindValidation Kind = "validation"
	KindTimeout    Kind = "timeout"
	KindUnknown    Kind = "unknown"
)

// Classification is the classified form of a tool failure. Signature is the
// normalized lookup key; Normalized is the volatility-stripped message used
// for similarity search; Raw preserves the original text for reporting.
type Classification struct {
	Tool       string `json:"tool"`
	Kind       Kind   `json:"kind"`
	Signature  string `json:"signature"`
	Normalized string `json:"normalized"`
	Raw        string `json:"raw"`
}

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
}

// Rules are ordered: the first match wins. Timeout and rate-limit patterns
// come first because their messages often also contain network vocabulary.
var rules = []rule{
	{KindTimeout, regexp.MustCompile(`(?i)\b(timed? ?out|deadline exceeded|408)\b`)},
	{KindRateLimit, regexp.MustCompile(`(?i)\b(rate.?limit|too many requests|quota exceeded|throttl|429)\b`)},
	{KindAuth, regexp.MustCompile(`(?i)\b(401|403|unauthori[sz]ed|forbidden|permission denied|invalid credentials|token (expired|revoked|invalid)|authentication|access denied)\b`)},
	{KindNetwork, regexp.MustCompile(`(?i)\b(connection (refused|reset|closed)|broken pipe|no such host|network is unreachable|host unreachable|tls handshake|dns|502|503|504|bad gateway|service unavailable|unexpected eof)\b`)},
	{KindValidation, regexp.MustCompile(`(?i)\b(400|404|422|validation|invalid (argument|input|request|value)|malformed|missing required|unknown tool|unresolved reference|not found|schema)\b`)},
}

// Classify assigns a taxonomy kind and signature to a raw tool failure.
// It is a pure function of (tool, err): the same inputs always produce the
// identical classification.
func Classify(tool string, err error) Classification {
	raw := ""
	if err != nil {
		raw = err.Error()
	}

	kind := KindUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindUnknown
	default:
		for _, r := range rules {
			if r.pattern.MatchString(raw) {
				kind = r.kind
				break
			}
		}
	}

	normalized := Normalize(raw)
	return Classification{
		Tool:       tool,
		Kind:       kind,
		Signature:  signature(tool, kind, normalized),
		Normalized: normalized,
		Raw:        raw,
	}
}

// Validation builds a Validation-kind classification for failures the
// engine itself diagnoses (unresolved references, misconfigured policies)
// rather than failures surfaced by a tool.
func Validation(tool, msg string) Classification {
	normalized := Normalize(msg)
	return Classification{
		Tool:       tool,
		Kind:       KindValidation,
		Signature:  signature(tool, KindValidation, normalized),
		Normalized: normalized,
		Raw:        msg,
	}
}

var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	hexPattern       = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numberPattern    = regexp.MustCompile(`\b\d+\b`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// maxNormalizedLen caps the stable message subset fed into the signature so
// a single verbose error doesn't produce an unwieldy key.
const maxNormalizedLen = 160

// Normalize lowercases the message and strips volatile tokens (uuids,
// timestamps, hex ids, bare numbers) so that transient details don't
// fragment the signature key space.
func Normalize(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = uuidPattern.ReplaceAllString(s, "<id>")
	s = timestampPattern.ReplaceAllString(s, "<ts>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	s = spacePattern.ReplaceAllString(s, " ")
	if len(s) > maxNormalizedLen {
		// Back up to a rune boundary so the cut never produces invalid UTF-8.
		cut := maxNormalizedLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// signature derives the memory lookup key from tool, kind and the
// normalized message.
func signature(tool string, kind Kind, normalized string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", tool, kind, normalized)))
	return hex.EncodeToString(sum[:])[:16]
}
