package main

import (
	"context"
	"strings"
	"time"
)

// ===========================
// Recommendation Engine
// ===========================

// Scoring thresholds are preserved verbatim from the tuned heuristic; they
// have no derivation beyond observed behavior, so they stay as named
// constants rather than being re-derived.
const (
	ScoreByArtist       = 100
	ScoreByChannel      = 80
	ScoreDurationBonus  = 20
	ScoreAcceptMin      = 70
	ArtistSearchLimit   = 10
	ChannelSearchLimit  = 8
	KeywordSearchLimit  = 10
	DurationBonusFloor  = 60 * time.Second
	DurationBonusCeil   = 400 * time.Second
	MinArtistTermLength = 3
)

// CatalogCandidate is a summary row from the music catalog search.
type CatalogCandidate struct {
	URL          string
	Title        string
	Artist       string
	Duration     time.Duration
	ThumbnailURL string
}

// VideoResult is a bare keyword-search hit.
type VideoResult struct {
	URL   string
	Title string
}

// CatalogSearcher searches a music catalog by free-text term.
// Implementations fail soft: provider errors surface as errors here but the
// engine degrades them to "no candidate".
type CatalogSearcher interface {
	SearchTracks(ctx context.Context, term string, limit int) ([]CatalogCandidate, error)
}

// VideoSearcher is the generic keyword video search fallback.
type VideoSearcher interface {
	SearchVideos(ctx context.Context, term string, limit int) ([]VideoResult, error)
}

// MetadataResolver fetches full song metadata for a URL and expands
// playlists.
type MetadataResolver interface {
	FetchInfo(ctx context.Context, url string) (*Song, error)
	ResolvePlaylist(ctx context.Context, url string, max int) ([]VideoResult, error)
}

// PlayMemory is a snapshot of a guild's recommendation-dedup state. The
// engine reads it without locking; the caller copies it out of the guild
// record and applies RecordPlayed results back under the guild lock.
type PlayMemory struct {
	URLs   map[string]struct{}
	Titles []string
}

func (m PlayMemory) seenURL(url string) bool {
	_, ok := m.URLs[url]
	return ok
}

func (m PlayMemory) titleMatches(title string) bool {
	for _, t := range m.Titles {
		if IsSimilar(title, t) {
			return true
		}
	}
	return false
}

// Recommender finds a follow-up song for a finished seed.
type Recommender struct {
	Catalog CatalogSearcher
	Videos  VideoSearcher
	Meta    MetadataResolver
}

// NextAutoSong produces at most one new song to append to the auto queue.
// A nil result with nil error means "none found" — a normal terminal
// outcome, not a failure. Provider errors never abort the algorithm; each
// fallback is tried in turn.
func (r *Recommender) NextAutoSong(ctx context.Context, seed *Song, mem PlayMemory) (*Song, error) {
	if seed == nil {
		return nil, nil
	}
	_, artist := ExtractArtistSong(seed.Title)

	// 1. Catalog search keyed by the extracted artist.
	var pick CatalogCandidate
	if len(artist) >= MinArtistTermLength {
		if cands, err := r.Catalog.SearchTracks(ctx, artist, ArtistSearchLimit); err == nil {
			pick = r.bestCandidate(cands, ScoreByArtist, seed, mem)
		} else {
			LogSearch("Catalog search by artist %q failed: %v", artist, err)
		}
	}

	// 2. Catalog search keyed by the uploader channel.
	if pick.URL == "" && seed.Author != "" {
		if cands, err := r.Catalog.SearchTracks(ctx, seed.Author, ChannelSearchLimit); err == nil {
			pick = r.bestCandidate(cands, ScoreByChannel, seed, mem)
		} else {
			LogSearch("Catalog search by channel %q failed: %v", seed.Author, err)
		}
	}

	if pick.URL != "" {
		return r.acceptCandidate(ctx, pick.URL)
	}

	// 3. Keyword-search fallback: first hit past the dedup filters wins
	// unconditionally, no scoring.
	term := artist
	if term == "" {
		term = seed.Author
	}
	if term == "" {
		return nil, nil
	}
	hits, err := r.Videos.SearchVideos(ctx, term, KeywordSearchLimit)
	if err != nil {
		LogSearch("Keyword search %q failed: %v", term, err)
		return nil, nil
	}
	for _, h := range hits {
		low := strings.ToLower(h.Title)
		if strings.Contains(low, "playlist") || strings.Contains(low, "mix") {
			continue
		}
		if r.isDuplicate(h.URL, h.Title, seed, mem) {
			continue
		}
		return r.acceptCandidate(ctx, h.URL)
	}
	return nil, nil
}

// bestCandidate scores catalog candidates from one source path and returns
// the winner, or a zero candidate when nothing reaches the accept threshold.
// Duplicates are skipped entirely, never scored.
func (r *Recommender) bestCandidate(cands []CatalogCandidate, baseScore int, seed *Song, mem PlayMemory) CatalogCandidate {
	var best CatalogCandidate
	bestScore := 0
	for _, c := range cands {
		if c.URL == "" || r.isDuplicate(c.URL, c.Title, seed, mem) {
			continue
		}
		score := baseScore
		if c.Duration > DurationBonusFloor && c.Duration < DurationBonusCeil {
			score += ScoreDurationBonus
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if bestScore < ScoreAcceptMin {
		return CatalogCandidate{}
	}
	return best
}

func (r *Recommender) isDuplicate(url, title string, seed *Song, mem PlayMemory) bool {
	if url == seed.URL || mem.seenURL(url) {
		return true
	}
	if IsSimilar(title, seed.Title) {
		return true
	}
	return mem.titleMatches(title)
}

// acceptCandidate resolves full metadata for the winner. A metadata failure
// degrades to "none found". The caller records the result into its play
// memory under the guild lock.
func (r *Recommender) acceptCandidate(ctx context.Context, url string) (*Song, error) {
	song, err := r.Meta.FetchInfo(ctx, url)
	if err != nil {
		LogSearch("Metadata fetch for pick %s failed: %v", url, err)
		return nil, nil
	}
	return song, nil
}

// RecordPlayed marks a song as consumed by the recommendation memory. The
// caller holds the guild lock.
func RecordPlayed(urls map[string]struct{}, titles []string, s *Song) []string {
	if s == nil {
		return titles
	}
	urls[s.URL] = struct{}{}
	if n := NormalizeTitle(s.Title); n != "" {
		return append(titles, n)
	}
	return titles
}
