package delivery

import (
	"strings"
)

// DefaultChunkLimit keeps a chunk under Telegram's 4096-rune message cap with
// room for the tags re-opened and closed at chunk edges.
const DefaultChunkLimit = 4000

// SplitBody cuts a message body into chunks of at most limit runes,
// preferring newline boundaries. In HTML parse mode a cut never lands inside
// a tag, and tags open at a cut are closed at the end of the chunk and
// re-opened at the start of the next one.
func SplitBody(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	html := strings.EqualFold(parseMode, "HTML")
	raw := splitRunes(s, limit, html)
	if !html || len(raw) == 1 {
		return raw
	}

	out := make([]string, 0, len(raw))
	var open []htmlTag
	for _, chunk := range raw {
		var b strings.Builder
		for _, t := range open {
			b.WriteString(t.open)
		}
		b.WriteString(chunk)
		open = trackTags(open, chunk)
		for i := len(open) - 1; i >= 0; i-- {
			b.WriteString("</" + open[i].name + ">")
		}
		out = append(out, b.String())
	}
	return out
}

func splitRunes(s string, limit int, html bool) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

type htmlTag struct {
	name string
	open string
}

// trackTags applies the tags found in chunk to the open-tag stack.
func trackTags(open []htmlTag, chunk string) []htmlTag {
	for {
		i := strings.IndexByte(chunk, '<')
		if i < 0 {
			return open
		}
		j := strings.IndexByte(chunk[i:], '>')
		if j < 0 {
			return open
		}
		tag := chunk[i : i+j+1]
		chunk = chunk[i+j+1:]

		inner := strings.TrimSpace(tag[1 : len(tag)-1])
		switch {
		case strings.HasPrefix(inner, "/"):
			name := strings.ToLower(strings.TrimSpace(inner[1:]))
			for k := len(open) - 1; k >= 0; k-- {
				if open[k].name == name {
					open = append(open[:k], open[k+1:]...)
					break
				}
			}
		case strings.HasSuffix(inner, "/"), inner == "":
		default:
			name := inner
			if k := strings.IndexAny(name, " \t\n"); k >= 0 {
				name = name[:k]
			}
			open = append(open, htmlTag{name: strings.ToLower(name), open: tag})
		}
	}
}
