package verification

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Document types.
const (
	DocNationalID = "CC"
	DocForeignID  = "CE"
	DocOther      = "OTRO"
)

// Rules are the document-number format constraints.
type Rules struct {
	PrimaryIDLength int
	ForeignIDMin    int
	ForeignIDMax    int
	FallbackMin     int
}

// RulesFrom resolves verification config, defaulting zero values.
func RulesFrom(v config.VerificationConfig) Rules {
	r := Rules{
		PrimaryIDLength: v.PrimaryIDLength,
		ForeignIDMin:    v.ForeignIDMin,
		ForeignIDMax:    v.ForeignIDMax,
		FallbackMin:     v.FallbackMin,
	}
	if r.PrimaryIDLength <= 0 {
		r.PrimaryIDLength = 8
	}
	if r.ForeignIDMin <= 0 {
		r.ForeignIDMin = 6
	}
	if r.ForeignIDMax < r.ForeignIDMin {
		r.ForeignIDMax = max(10, r.ForeignIDMin)
	}
	if r.FallbackMin <= 0 {
		r.FallbackMin = 5
	}
	return r
}

// accentFolder is built per call: transform chains carry state.
func accentFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// normalize lowercases, folds accents and trims punctuation around s.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if folded, _, err := transform.String(accentFolder(), s); err == nil {
		s = folded
	}
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	})
}

// ValidateName accepts at least two alphabetic tokens of two or more
// letters. Returns the name with whitespace collapsed.
func ValidateName(raw string) (string, error) {
	tokens := strings.Fields(raw)
	words := 0
	for _, tok := range tokens {
		letters := 0
		for _, r := range tok {
			switch {
			case unicode.IsLetter(r):
				letters++
			case r == '\'' || r == '-' || r == '.':
			default:
				return "", fmt.Errorf("%w: name contains %q", store.ErrValidationFailed, r)
			}
		}
		if letters >= 2 {
			words++
		}
	}
	if words < 2 {
		return "", fmt.Errorf("%w: name needs at least two words", store.ErrValidationFailed)
	}
	return strings.Join(tokens, " "), nil
}

var docTypeAliases = map[string]string{
	"1": DocNationalID, "cc": DocNationalID, "cedula": DocNationalID,
	"cedula de ciudadania": DocNationalID, "ciudadania": DocNationalID,
	"2": DocForeignID, "ce": DocForeignID, "cedula de extranjeria": DocForeignID,
	"extranjeria": DocForeignID,
	"3": DocOther, "otro": DocOther, "other": DocOther, "pasaporte": DocOther,
	"pa": DocOther, "pep": DocOther, "ppt": DocOther,
}

// ParseDocumentType maps free text to a document type.
func ParseDocumentType(raw string) (string, error) {
	key := strings.Join(strings.Fields(normalize(raw)), " ")
	key = strings.TrimSuffix(key, ".")
	if t, ok := docTypeAliases[key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown document type %q", store.ErrValidationFailed, raw)
}

// ValidateDocumentNumber checks raw against the format of docType and
// returns it without separators.
func ValidateDocumentNumber(docType, raw string, r Rules) (string, error) {
	cleaned := strings.Map(func(c rune) rune {
		if c == '.' || c == '-' || c == ',' || unicode.IsSpace(c) {
			return -1
		}
		return unicode.ToUpper(c)
	}, raw)

	for _, c := range cleaned {
		if !unicode.IsDigit(c) && !(c >= 'A' && c <= 'Z') {
			return "", fmt.Errorf("%w: document number has %q", store.ErrValidationFailed, c)
		}
	}

	n := len(cleaned)
	switch docType {
	case DocNationalID:
		if n != r.PrimaryIDLength || strings.IndexFunc(cleaned, func(c rune) bool { return !unicode.IsDigit(c) }) >= 0 {
			return "", fmt.Errorf("%w: national id must be %d digits", store.ErrValidationFailed, r.PrimaryIDLength)
		}
	case DocForeignID:
		if n < r.ForeignIDMin || n > r.ForeignIDMax {
			return "", fmt.Errorf("%w: foreign id must be %d-%d characters", store.ErrValidationFailed, r.ForeignIDMin, r.ForeignIDMax)
		}
	default:
		if n < r.FallbackMin {
			return "", fmt.Errorf("%w: document number must be at least %d characters", store.ErrValidationFailed, r.FallbackMin)
		}
	}
	return cleaned, nil
}

var (
	affirmative = map[string]bool{
		"si": true, "s": true, "yes": true, "y": true, "ok": true, "claro": true,
		"correcto": true, "correctos": true, "confirmo": true, "afirmativo": true, "1": true,
	}
	negative = map[string]bool{
		"no": true, "n": true, "incorrecto": true, "incorrectos": true, "negativo": true, "2": true,
	}
)

// ParseConfirmation reads a yes/no answer from its first word. ok is false
// when the answer is ambiguous.
func ParseConfirmation(raw string) (yes, ok bool) {
	fields := strings.Fields(normalize(raw))
	if len(fields) == 0 {
		return false, false
	}
	first := strings.TrimFunc(fields[0], func(r rune) bool { return unicode.IsPunct(r) })
	switch {
	case affirmative[first]:
		return true, true
	case negative[first]:
		return false, true
	}
	return false, false
}
