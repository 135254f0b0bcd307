package artifact

import (
	"strings"
	"unicode"
)

var punct = strings.NewReplacer(
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "−", "-",
	"‘", "'", "’", "'", "“", `"`, "”", `"`,
	"_", " ",
)

// Canonical normalises the text of a shortlink: lower case, ASCII dashes
// and quotes, underscores as spaces, whitespace collapsed.
func Canonical(link string) string {
	link = punct.Replace(strings.ToLower(link))
	return strings.Join(strings.FieldsFunc(link, unicode.IsSpace), " ")
}

// LinkRef is a parsed shortlink reference.
type LinkRef struct {
	Project  string
	Mount    string
	Artifact string
}

// ParseLink splits "[project:mount:artifact]" and its shorter forms. The
// surrounding brackets are optional.
func ParseLink(text string) (LinkRef, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return LinkRef{}, false
	}
	parts := strings.SplitN(s, ":", 3)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	var ref LinkRef
	switch len(parts) {
	case 1:
		ref.Artifact = parts[0]
	case 2:
		ref.Mount, ref.Artifact = parts[0], parts[1]
	default:
		ref.Project, ref.Mount, ref.Artifact = parts[0], parts[1], parts[2]
	}
	if ref.Artifact == "" {
		return LinkRef{}, false
	}
	return ref, true
}

// FindLinks returns every bracketed reference in text, skipping "[[...]]".
func FindLinks(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '[' || (i > 0 && text[i-1] == '[') {
			continue
		}
		end := strings.IndexByte(text[i+1:], ']')
		if end < 0 {
			break
		}
		j := i + 1 + end
		if j+1 < len(text) && text[j+1] == ']' {
			i = j + 1
			continue
		}
		inner := text[i+1 : j]
		if inner != "" && !strings.ContainsAny(inner, "[\n") {
			out = append(out, "["+inner+"]")
		}
		i = j
	}
	return out
}
