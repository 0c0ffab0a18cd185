package transcoding

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Placeholder identifies a typed argument slot inside a command template.
type Placeholder int

const (
	Literal    Placeholder = iota
	Input                  // %s
	BitRate                // %b
	TimeOffset             // %o
	Duration               // %d
	Width                  // %w
	Height                 // %h
	Title                  // %t
)

var placeholderByVerb = map[byte]Placeholder{
	's': Input,
	'b': BitRate,
	'o': TimeOffset,
	'd': Duration,
	'w': Width,
	'h': Height,
	't': Title,
}

// StdinInput is what Input renders to when a step reads from the previous step.
const StdinInput = "-"

// Part is one literal or placeholder fragment of an argument.
type Part struct {
	Kind Placeholder
	Text string
}

// Arg is a single argv entry, built from one or more parts ("%bk" is BitRate followed by "k").
type Arg []Part

// Template is a parsed command line. Arguments are rendered individually and never passed through a shell.
type Template struct {
	raw  string
	args []Arg
}

// Values are the per-invocation substitutions.
type Values struct {
	Input      string
	BitRate    int
	TimeOffset float64
	Duration   float64
	Width      int
	Height     int
	Title      string
}

// ParseTemplate tokenizes a command template. Single and double quotes group words.
// Unknown %-verbs are kept literally.
func ParseTemplate(raw string) (Template, error) {
	words, err := splitWords(raw)
	if err != nil {
		return Template{}, err
	}
	if len(words) == 0 {
		return Template{}, fmt.Errorf("%w: empty command", ErrInvalidTemplate)
	}
	t := Template{raw: raw, args: make([]Arg, 0, len(words))}
	for i, w := range words {
		arg := parseArg(w)
		if i == 0 && (len(arg) != 1 || arg[0].Kind != Literal) {
			return Template{}, fmt.Errorf("%w: executable must be literal: %q", ErrInvalidTemplate, w)
		}
		t.args = append(t.args, arg)
	}
	return t, nil
}

// MustParseTemplate is ParseTemplate for package-level defaults and tests.
func MustParseTemplate(raw string) Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Template) String() string { return t.raw }

// IsZero reports whether the template is unset.
func (t Template) IsZero() bool { return len(t.args) == 0 }

// Executable returns the program name or path.
func (t Template) Executable() string {
	if t.IsZero() {
		return ""
	}
	return t.args[0][0].Text
}

// Uses reports whether any argument references p.
func (t Template) Uses(p Placeholder) bool {
	for _, a := range t.args {
		for _, part := range a {
			if part.Kind == p {
				return true
			}
		}
	}
	return false
}

// Render produces argv. argv[0] is the executable as written in the template.
func (t Template) Render(v Values) []string {
	out := make([]string, 0, len(t.args))
	for _, a := range t.args {
		var b strings.Builder
		for _, part := range a {
			b.WriteString(part.render(v))
		}
		out = append(out, b.String())
	}
	return out
}

func (p Part) render(v Values) string {
	switch p.Kind {
	case Input:
		return v.Input
	case BitRate:
		return strconv.Itoa(v.BitRate)
	case TimeOffset:
		return FormatSeconds(v.TimeOffset)
	case Duration:
		return FormatSeconds(v.Duration)
	case Width:
		return strconv.Itoa(v.Width)
	case Height:
		return strconv.Itoa(v.Height)
	case Title:
		return v.Title
	default:
		return p.Text
	}
}

// FormatSeconds renders seconds with millisecond precision and no trailing zeros.
func FormatSeconds(s float64) string {
	if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		s = 0
	}
	return strconv.FormatFloat(math.Round(s*1000)/1000, 'f', -1, 64)
}

func parseArg(word string) Arg {
	var (
		arg Arg
		lit strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			arg = append(arg, Part{Kind: Literal, Text: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(word); i++ {
		c := word[i]
		if c != '%' || i+1 >= len(word) {
			lit.WriteByte(c)
			continue
		}
		verb := word[i+1]
		if verb == '%' {
			lit.WriteByte('%')
			i++
			continue
		}
		kind, ok := placeholderByVerb[verb]
		if !ok {
			lit.WriteByte(c)
			continue
		}
		flush()
		arg = append(arg, Part{Kind: kind})
		i++
	}
	flush()
	if len(arg) == 0 {
		arg = Arg{{Kind: Literal}}
	}
	return arg
}

func splitWords(s string) ([]string, error) {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
		quote  rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated quote in %q", ErrInvalidTemplate, s)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
