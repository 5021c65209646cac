package main

import (
	"regexp"
	"strings"
)

// ===========================
// Title Heuristics
// ===========================

// Split patterns are tried in order; the first match wins. Pattern order
// determines precedence — overlapping matches are never disambiguated by
// confidence, and callers rely on that.
var titleSplitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(.+?)\s*-\s*(.+)$`),
	regexp.MustCompile(`^(.+?)\s*\|\s*(.+)$`),
	regexp.MustCompile(`(?i)^(.+?)\s+by\s+(.+)$`),
	regexp.MustCompile(`^(.+?)\s*\((.+?)\)`),
}

var (
	bracketGroupRegex = regexp.MustCompile(`[(\[{][^)\]}]*[)\]}]`)
	titleStopwords    = []string{"official", "video", "music", "mv", "hd", "4k", "lyrics", "audio", "remix", "cover"}
)

// ExtractArtistSong splits a free-text video title into its two halves.
// If no pattern matches, the whole title is returned as the song with an
// empty artist.
func ExtractArtistSong(title string) (song, artist string) {
	t := strings.TrimSpace(title)
	for _, re := range titleSplitPatterns {
		if m := re.FindStringSubmatch(t); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
	}
	return t, ""
}

// NormalizeTitle lowercases a title, strips bracketed groups and a fixed
// stopword list, and collapses whitespace. Used for fuzzy dedup.
func NormalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = bracketGroupRegex.ReplaceAllString(t, " ")
	fields := strings.Fields(t)
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `"'.,!?:;`)
		if f == "" {
			continue
		}
		stop := false
		for _, w := range titleStopwords {
			if f == w {
				stop = true
				break
			}
		}
		if !stop {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// IsSimilar reports whether two titles most likely describe the same song.
// Deliberately permissive: containment of one normalized title in the other
// with a length difference under 20 characters counts as a match, so "same
// song, different upload" dedups correctly.
func IsSimilar(a, b string) bool {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" || nb == "" {
		return false
	}
	if !strings.Contains(na, nb) && !strings.Contains(nb, na) {
		return false
	}
	diff := len(na) - len(nb)
	if diff < 0 {
		diff = -diff
	}
	return diff < 20
}
