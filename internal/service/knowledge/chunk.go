package knowledge

import "strings"

// Chunk splits text into passages of at most maxRunes. Markdown headings
// start a new passage; long sections are split on blank lines and, failing
// that, hard-wrapped.
func Chunk(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = defaultChunkRunes
	}

	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, hardWrap(s, maxRunes)...)
		}
		current.Reset()
	}

	for _, para := range splitParagraphs(text) {
		if strings.HasPrefix(para, "#") {
			flush()
		}
		if current.Len() > 0 && runeLen(current.String())+runeLen(para)+2 > maxRunes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return out
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		out []string
		cur []string
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur = nil
			}
		case strings.HasPrefix(trimmed, "#") && len(cur) > 0:
			out = append(out, strings.Join(cur, "\n"))
			cur = []string{trimmed}
		default:
			cur = append(cur, strings.TrimRight(line, " \t"))
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

func hardWrap(s string, maxRunes int) []string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return []string{s}
	}
	var out []string
	for len(runes) > 0 {
		n := maxRunes
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[:n])))
		runes = runes[n:]
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
