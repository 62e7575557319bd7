// Package redact implements the clipboard secret redactor (spec §4.3):
// clipboard reads are scanned for PEM keys, AWS access keys, JWTs,
// key=value secret assignments, and high-entropy strings before the
// payload is returned to history or the model.
package redact

import (
	"math"
	"regexp"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), // JWT
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*\S+`),
}

const (
	minHighEntropyLen = 32
	entropyThreshold  = 4.0
)

// Redacted is what the payload is replaced with when a secret is detected.
const Redacted = "<REDACTED>"

// Result is the outcome of scanning a clipboard payload.
type Result struct {
	Content  string
	Redacted bool
	Reason   string
}

// Scan inspects a clipboard payload and returns either the original
// content unchanged, or Redacted with Redacted=true and a reason
// identifying which rule matched (spec §4.3, §8 property 7).
func Scan(payload string) Result {
	for _, re := range secretPatterns {
		if re.MatchString(payload) {
			return Result{Content: Redacted, Redacted: true, Reason: "pattern:" + re.String()}
		}
	}
	if hasHighEntropyToken(payload) {
		return Result{Content: Redacted, Redacted: true, Reason: "high_entropy"}
	}
	return Result{Content: payload, Redacted: false}
}

var tokenSplitter = regexp.MustCompile(`\S+`)

// hasHighEntropyToken scans whitespace-delimited tokens for one at least
// minHighEntropyLen characters long whose Shannon entropy exceeds
// entropyThreshold bits/char (spec §4.3: "high-entropy (>4.0 Shannon
// bits/char) strings ≥ 32 chars"). It reports only whether a match was
// found, never the token itself, so the matched secret never leaks into
// a Reason string surfaced to history or the model.
func hasHighEntropyToken(payload string) bool {
	for _, tok := range tokenSplitter.FindAllString(payload, -1) {
		if len(tok) < minHighEntropyLen {
			continue
		}
		if shannonEntropy(tok) > entropyThreshold {
			return true
		}
	}
	return false
}

func shannonEntropy(s string) float64 {
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
