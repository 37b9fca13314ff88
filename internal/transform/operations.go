package transform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"unicode"
)

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Mask hides the letters and digits of value. Kept leading and trailing
// characters are clamped so that at least the rule's minimum ratio of
// alphanumerics is always masked.
func Mask(value string, rule Rule) string {
	runes := []rune(value)
	total := 0
	for _, r := range runes {
		if isAlnum(r) {
			total++
		}
	}
	lead, trail := clampKept(total, rule.KeepLeading, rule.KeepTrailing, rule.minMaskedRatio())
	mc := rule.maskRune()

	if rule.PreserveLength {
		var b strings.Builder
		b.Grow(len(value))
		idx := 0
		for _, r := range runes {
			if !isAlnum(r) {
				b.WriteRune(r)
				continue
			}
			if idx < lead || idx >= total-trail {
				b.WriteRune(r)
			} else {
				b.WriteRune(mc)
			}
			idx++
		}
		return b.String()
	}

	var head, tail []rune
	for _, r := range runes {
		if len(head) == lead {
			break
		}
		if isAlnum(r) {
			head = append(head, r)
		}
	}
	for i := len(runes) - 1; i >= 0 && len(tail) < trail; i-- {
		if isAlnum(runes[i]) {
			tail = append([]rune{runes[i]}, tail...)
		}
	}
	return string(head) + strings.Repeat(string(mc), maskRunLength) + string(tail)
}

func clampKept(total, lead, trail int, ratio float64) (int, int) {
	maxKept := total - int(math.Ceil(ratio*float64(total)))
	if maxKept < 0 {
		maxKept = 0
	}
	for lead+trail > maxKept {
		if lead > 0 {
			lead--
			continue
		}
		trail--
	}
	return lead, trail
}

// Redact renders the configured marker for infoType.
func Redact(infoType, marker string) string {
	return fmt.Sprintf(marker, infoType)
}

// Hash is a keyed, non-reversible digest: equal inputs under the same salt
// map to the same token.
func Hash(infoType, value string, salt []byte) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(infoType))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return infoType + ":" + hex.EncodeToString(mac.Sum(nil))[:16]
}

// Synthesize produces a format-consistent placeholder for value: letters
// become X (x when lower case), digits become 0, everything else is kept.
func Synthesize(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r):
			return '0'
		case unicode.IsUpper(r):
			return 'X'
		case unicode.IsLetter(r):
			return 'x'
		}
		return r
	}, value)
}
