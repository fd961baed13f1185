// Package method holds the identity and descriptive model of a schedulable
// automation program.
package method

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Categories assigned by the resolver rather than by metadata.
const (
	CategoryIsolated   = "ISOLATED"
	CategoryUnassigned = "UNASSIGNED"
)

// DefaultExtensions are the file extensions recognized as method executables.
var DefaultExtensions = []string{".py", ".pyw", ".exe", ".bat", ".cmd", ".ps1", ".sh"}

type Activation int

const (
	Active Activation = iota
	Inactive
	Isolated
)

func (a Activation) String() string {
	switch a {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Isolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Info is the resolved view of one method. Values are rebuilt on every
// registry refresh and never mutated afterwards.
type Info struct {
	Key      string
	Name     string
	Category string
	Path     string
	Area     string

	Status    Activation
	RawStatus string

	// Raw recurrence text as found in metadata; parsed by the scheduler.
	Recurrence string
	Weekdays   string

	Fields      map[string]string
	HasMetadata bool
}

func (i Info) Runnable() bool { return i.Path != "" }

// ParseActivation maps free-form status text. Unknown or empty text is active,
// so metadata gaps never silence a method.
func ParseActivation(raw string) Activation {
	s := Fold(raw)
	switch {
	case strings.HasPrefix(s, "isolad"), strings.HasPrefix(s, "isolat"):
		return Isolated
	case strings.HasPrefix(s, "inativ"), strings.HasPrefix(s, "inactiv"),
		s == "desativado", s == "disabled", s == "off", s == "nao", s == "no", s == "false", s == "0":
		return Inactive
	default:
		return Active
	}
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

// letters has no NFD decomposition, so mark stripping leaves them alone.
var letters = strings.NewReplacer(
	"ø", "o", "æ", "ae", "œ", "oe", "ß", "ss", "ł", "l",
	"đ", "d", "ð", "d", "þ", "th", "ı", "i", "ħ", "h", "ŧ", "t",
)

// Fold removes diacritics, trims and lower-cases s. Inner spacing is kept.
// Letters without a decomposition (ø, æ, ß, ł, ...) are transliterated.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, stripMarks, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return letters.Replace(strings.ToLower(strings.TrimSpace(out)))
}

// Normalize turns a file or display name into the canonical method key:
// known extension stripped, diacritics removed or transliterated, lower-cased,
// only [a-z0-9] kept.
// Normalize is idempotent.
func Normalize(name string) string {
	name = StripExtension(filepath.Base(strings.TrimSpace(name)))
	folded := Fold(name)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StripExtension removes one known executable extension (case-insensitive).
func StripExtension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return name
	}
	if HasKnownExtension(name, DefaultExtensions) {
		return name[:len(name)-len(ext)]
	}
	return name
}

func HasKnownExtension(name string, exts []string) bool {
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
