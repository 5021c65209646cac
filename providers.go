package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"
)

// ===========================
// Search Providers
// ===========================

// Both upstream search endpoints are unauthenticated scrape APIs; the
// limiters keep autoplay bursts from tripping their throttling.
var (
	catalogLimiter = rate.NewLimiter(rate.Limit(2), 5)
	keywordLimiter = rate.NewLimiter(rate.Limit(2), 5)
)

// musicCatalog implements CatalogSearcher on top of the YouTube Music
// track search.
type musicCatalog struct{}

func (musicCatalog) SearchTracks(ctx context.Context, term string, limit int) ([]CatalogCandidate, error) {
	if err := catalogLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	search := ytmusic.TrackSearch(term)
	result, err := search.Next()
	if err != nil {
		return nil, err
	}
	out := make([]CatalogCandidate, 0, limit)
	for _, t := range result.Tracks {
		if t.VideoID == "" {
			continue
		}
		c := CatalogCandidate{
			URL:      "https://www.youtube.com/watch?v=" + t.VideoID,
			Title:    t.Title,
			Duration: time.Duration(t.Duration) * time.Second,
		}
		if len(t.Artists) > 0 {
			c.Artist = t.Artists[0].Name
		}
		if len(t.Thumbnails) > 0 {
			c.ThumbnailURL = t.Thumbnails[len(t.Thumbnails)-1].URL
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// videoSearch implements VideoSearcher on top of the plain YouTube keyword
// search.
type videoSearch struct{}

func (videoSearch) SearchVideos(ctx context.Context, term string, limit int) ([]VideoResult, error) {
	if err := keywordLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, term)
	if err != nil {
		return nil, err
	}
	out := make([]VideoResult, 0, limit)
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		out = append(out, VideoResult{
			URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
			Title: v.Title,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ===========================
// yt-dlp Metadata Resolver
// ===========================

// newYtdlp returns a configured yt-dlp command.
func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()
	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		cmd.Proxy(GlobalConfig.YoutubeProxy)
	}
	return cmd
}

func baseYtdlpArgs() []string {
	return []string{
		"--no-playlist",
		"--no-check-certificates",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "10",
	}
}

// ytdlpResolver implements MetadataResolver.
type ytdlpResolver struct{}

// FetchInfo resolves a URL into a full Song. Fails with a lookup error when
// the video is gone, region-locked or the extractor breaks.
func (ytdlpResolver) FetchInfo(ctx context.Context, url string) (*Song, error) {
	url = strings.Replace(url, "music.youtube.com", "www.youtube.com", 1)

	args := append(baseYtdlpArgs(), "--skip-download", url)
	res, err := newYtdlp().
		Print("%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s\t%(view_count)s").
		IgnoreConfig().
		NoWarnings().
		Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrLookupFailed, err)
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		s := &Song{
			URL:      ps[0],
			Title:    ps[1],
			Author:   ps[2],
			Duration: d,
		}
		if len(ps) >= 5 && ps[4] != "NA" {
			s.ThumbnailURL = ps[4]
		}
		if len(ps) >= 6 {
			fmt.Sscanf(ps[5], "%d", &s.ViewCount)
		}
		if s.Author == "NA" {
			s.Author = ""
		}
		return s, nil
	}
	return nil, errors.New(ErrLookupFailed)
}

// ResolvePlaylist expands a playlist URL into its entries without fetching
// per-entry metadata.
func (ytdlpResolver) ResolvePlaylist(ctx context.Context, url string, max int) ([]VideoResult, error) {
	res, err := newYtdlp().
		FlatPlaylist().
		Print("%(url)s\t%(title)s").
		PlaylistItems(fmt.Sprintf("1-%d", max)).
		IgnoreConfig().
		NoWarnings().
		Run(ctx, url, "--yes-playlist", "--no-check-certificates")
	if err != nil {
		return nil, fmt.Errorf("playlist expansion failed: %w", err)
	}

	var out []VideoResult
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 2 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		out = append(out, VideoResult{URL: ps[0], Title: ps[1]})
	}
	return out, nil
}

// resolveStreamURL returns a direct audio-only media URL for the transcoder.
func resolveStreamURL(ctx context.Context, url string) (string, error) {
	url = strings.Replace(url, "music.youtube.com", "www.youtube.com", 1)

	args := append(baseYtdlpArgs(), "--skip-download", url)
	res, err := newYtdlp().
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Print("%(url)s").
		IgnoreConfig().
		NoWarnings().
		Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", ErrStreamResolve, err)
	}
	direct := strings.TrimSpace(res.Stdout)
	if direct == "" || !strings.HasPrefix(direct, "http") {
		return "", errors.New(ErrStreamResolve)
	}
	if i := strings.IndexByte(direct, '\n'); i > 0 {
		direct = direct[:i]
	}
	return direct, nil
}

// ===========================
// Autocomplete Search
// ===========================

type cachedSearch struct {
	results   []VideoResult
	expiresAt time.Time
}

type queryCache struct {
	sync.RWMutex
	items map[string]cachedSearch
}

var searchCache = &queryCache{items: make(map[string]cachedSearch)}

const searchCacheTTL = time.Hour

// combinedSearch runs the catalog and keyword searches in parallel and
// merges the results, catalog hits first. Used by /play autocomplete and by
// free-text play queries.
func combinedSearch(ctx context.Context, q string) []VideoResult {
	searchCache.RLock()
	if item, ok := searchCache.items[q]; ok && time.Now().Before(item.expiresAt) {
		searchCache.RUnlock()
		return item.results
	}
	searchCache.RUnlock()

	sctx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var catalog, keyword []VideoResult
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cands, err := musicCatalog{}.SearchTracks(sctx, q, 25)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, c := range cands {
			if seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			title := c.Title
			if c.Artist != "" {
				title = TruncateWithPreserve(c.Title, 100, "", " - "+c.Artist)
			}
			catalog = append(catalog, VideoResult{URL: c.URL, Title: title})
		}
	}()
	go func() {
		defer wg.Done()
		hits, err := videoSearch{}.SearchVideos(sctx, q, 25)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, h := range hits {
			if seen[h.URL] {
				continue
			}
			seen[h.URL] = true
			keyword = append(keyword, h)
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	fin := append(catalog, keyword...)
	if len(fin) > 25 {
		fin = fin[:25]
	}
	if len(fin) > 0 {
		searchCache.Lock()
		searchCache.items[q] = cachedSearch{results: fin, expiresAt: time.Now().Add(searchCacheTTL)}
		searchCache.Unlock()
	}
	return fin
}

func startSearchCacheGC(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			searchCache.Lock()
			now := time.Now()
			for q, item := range searchCache.items {
				if now.After(item.expiresAt) {
					delete(searchCache.items, q)
				}
			}
			searchCache.Unlock()
		}
	}
}

// isPlaylistURL reports whether a URL points at a playlist rather than a
// single video.
func isPlaylistURL(u string) bool {
	return strings.Contains(u, "list=") || strings.Contains(u, "/playlist")
}
