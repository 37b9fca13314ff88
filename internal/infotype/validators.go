package infotype

import (
	"net"
	"net/mail"
	"strings"
	"time"
	"unicode"
)

// Validator confirms that a regex candidate is structurally valid for its
// InfoType. A passing validator promotes the candidate's likelihood.
type Validator func(candidate string) bool

var validators = map[string]Validator{
	"":               nil,
	"none":           nil,
	"luhn":           validLuhn,
	"ramq":           validRAMQ,
	"saaq":           validSAAQ,
	"date":           validDate,
	"email":          validEmail,
	"nanp":           validNANP,
	"postal_ca":      validPostalCA,
	"ipv4":           validIPv4,
	"icd10":          validICD10,
	"medical_record": validMedicalRecord,
	"person_name":    validPersonName,
	"quebec_postal":  validQuebecPostal,
}

// LookupValidator returns the named validator. The bool is false for
// unknown names; "" and "none" resolve to a nil validator.
func LookupValidator(name string) (Validator, bool) {
	v, ok := validators[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// ValidatorNames lists registered validator names.
func ValidatorNames() []string {
	names := make([]string, 0, len(validators))
	for name := range validators {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validLuhn(candidate string) bool {
	digits := digitsOnly(candidate)
	if len(digits) < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}

// separatorsConsistent checks that every separator between digit groups is
// the same character (or that there are none).
func separatorsConsistent(s string) bool {
	var sep rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		if sep == 0 {
			sep = r
			continue
		}
		if r != sep {
			return false
		}
	}
	return true
}

// validRAMQ checks the Quebec health insurance number layout: four
// upper-case letters followed by 8 digits and an optional 2-digit suffix,
// grouped consistently. The public format carries no published check digit.
func validRAMQ(candidate string) bool {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, candidate)
	if len(compact) != 12 && len(compact) != 14 {
		return false
	}
	for i, r := range compact {
		if i < 4 {
			if r < 'A' || r > 'Z' {
				return false
			}
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return separatorsConsistent(candidate)
}

// validSAAQ checks the Quebec driver's licence layout: one letter and 12
// digits.
func validSAAQ(candidate string) bool {
	if candidate == "" || candidate[0] < 'A' || candidate[0] > 'Z' {
		return false
	}
	return len(digitsOnly(candidate)) == 12 && separatorsConsistent(candidate)
}

// dateLayouts are tried in order; day-first numeric dates are the Quebec
// convention and win over month-first.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"01/02/2006",
}

// ParseDate parses s with the first matching supported layout and returns
// the layout so that rewritten dates keep the original format.
func ParseDate(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if len(layout) != len(s) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout, true
		}
	}
	return time.Time{}, "", false
}

func validDate(candidate string) bool {
	t, _, ok := ParseDate(candidate)
	return ok && t.Year() >= 1870 && t.Year() <= 2200
}

func validEmail(candidate string) bool {
	addr, err := mail.ParseAddress(candidate)
	if err != nil || addr.Address != candidate {
		return false
	}
	at := strings.LastIndexByte(candidate, '@')
	domain := candidate[at+1:]
	return !strings.Contains(domain, "..") && !strings.HasPrefix(domain, ".") && !strings.HasPrefix(domain, "-")
}

func validNANP(candidate string) bool {
	digits := digitsOnly(candidate)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return false
	}
	return digits[0] >= '2' && digits[3] >= '2'
}

// Canada Post never uses D, F, I, O, Q or U; W and Z never start a code.
func validPostalCA(candidate string) bool {
	compact := strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(candidate))
	if len(compact) != 6 {
		return false
	}
	for i, r := range compact {
		if i%2 == 0 {
			if r < 'A' || r > 'Z' || strings.ContainsRune("DFIOQU", r) {
				return false
			}
			if i == 0 && (r == 'W' || r == 'Z') {
				return false
			}
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validQuebecPostal(candidate string) bool {
	if !validPostalCA(candidate) {
		return false
	}
	switch strings.ToUpper(candidate)[0] {
	case 'G', 'H', 'J':
		return true
	}
	return false
}

func validIPv4(candidate string) bool {
	ip := net.ParseIP(candidate)
	return ip != nil && ip.To4() != nil
}

func validICD10(candidate string) bool {
	if len(candidate) < 3 {
		return false
	}
	first := candidate[0]
	return first >= 'A' && first <= 'Z' && first != 'U'
}

func validMedicalRecord(candidate string) bool {
	return len(digitsOnly(candidate)) >= 4
}

func validPersonName(candidate string) bool {
	for _, part := range strings.Fields(candidate) {
		runes := []rune(part)
		if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
			return false
		}
	}
	return true
}
