package dispatch

import "unicode/utf8"

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true, '\n': true,
	'。': true, '！': true, '？': true,
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\t'
}

// splitMessage chunks content by UTF-8 byte size under maxBytes,
// preferring to cut on sentence-ending punctuation in the last quarter
// of the allowed prefix, then the last space, then a hard cut — never
// splitting a code point. Boundary whitespace between chunks is
// consumed once rather than appearing in either chunk.
func splitMessage(content string, maxBytes int) []string {
	if content == "" {
		return nil
	}

	runes := []rune(content)
	var chunks []string
	pos := 0

	for pos < len(runes) {
		end := cutPoint(runes, pos, maxBytes)
		chunks = append(chunks, string(runes[pos:end]))
		pos = end
		if pos < len(runes) && isSpaceRune(runes[pos]) {
			pos++
		}
	}

	return chunks
}

// cutPoint returns the rune index in [start, len(runes)] at which to
// end the next chunk starting at start.
func cutPoint(runes []rune, start, maxBytes int) int {
	limit := byteLimitIndex(runes, start, maxBytes)
	if limit == len(runes) {
		return limit
	}
	if limit == start {
		// maxBytes is smaller than a single code point; emit it alone
		// rather than looping forever.
		return start + 1
	}

	prefixLen := limit - start
	threshold := start + (prefixLen * 3 / 4)

	for i := limit - 1; i >= threshold && i >= start; i-- {
		if sentenceEnders[runes[i]] {
			return i + 1
		}
	}

	for i := limit - 1; i > start; i-- {
		if isSpaceRune(runes[i]) {
			return i
		}
	}

	return limit
}

// byteLimitIndex returns the largest rune index e in [start,
// len(runes)] such that the UTF-8 byte size of runes[start:e] is
// <= maxBytes.
func byteLimitIndex(runes []rune, start, maxBytes int) int {
	size := 0
	for i := start; i < len(runes); i++ {
		size += utf8.RuneLen(runes[i])
		if size > maxBytes {
			return i
		}
	}
	return len(runes)
}
