package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	byTerm map[string][]CatalogCandidate
	err    error
	calls  []string
}

func (f *fakeCatalog) SearchTracks(ctx context.Context, term string, limit int) ([]CatalogCandidate, error) {
	f.calls = append(f.calls, term)
	if f.err != nil {
		return nil, f.err
	}
	return f.byTerm[term], nil
}

type fakeVideos struct {
	hits []VideoResult
	err  error
}

func (f *fakeVideos) SearchVideos(ctx context.Context, term string, limit int) ([]VideoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeMeta struct {
	err      error
	playlist []VideoResult
}

func (f *fakeMeta) FetchInfo(ctx context.Context, url string) (*Song, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Song{URL: url, Title: "resolved " + url, Duration: 3 * time.Minute}, nil
}

func (f *fakeMeta) ResolvePlaylist(ctx context.Context, url string, max int) ([]VideoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.playlist) > max {
		return f.playlist[:max], nil
	}
	return f.playlist, nil
}

func newMemory() PlayMemory {
	return PlayMemory{URLs: make(map[string]struct{})}
}

func TestNextAutoSongArtistPath(t *testing.T) {
	seed := &Song{URL: "seed", Title: "Overture - Kupla", Author: "Kupla"}
	cat := &fakeCatalog{byTerm: map[string][]CatalogCandidate{
		"Kupla": {
			{URL: "u1", Title: "Valentine", Duration: 2 * time.Minute},
		},
	}}
	r := &Recommender{Catalog: cat, Videos: &fakeVideos{}, Meta: &fakeMeta{}}

	song, err := r.NextAutoSong(context.Background(), seed, newMemory())
	require.NoError(t, err)
	require.NotNil(t, song)
	assert.Equal(t, "u1", song.URL)
	assert.Equal(t, []string{"Kupla"}, cat.calls, "only the artist path should run when it succeeds")
}

func TestNextAutoSongDurationBonusBreaksTies(t *testing.T) {
	seed := &Song{URL: "seed", Title: "Something - Artist"}
	cat := &fakeCatalog{byTerm: map[string][]CatalogCandidate{
		"Artist": {
			{URL: "long", Title: "Full Album", Duration: 45 * time.Minute},
			{URL: "short", Title: "Teaser", Duration: 30 * time.Second},
			{URL: "good", Title: "Proper Track", Duration: 3 * time.Minute},
		},
	}}
	r := &Recommender{Catalog: cat, Videos: &fakeVideos{}, Meta: &fakeMeta{}}

	song, err := r.NextAutoSong(context.Background(), seed, newMemory())
	require.NoError(t, err)
	require.NotNil(t, song)
	assert.Equal(t, "good", song.URL, "the track inside the duration window should outrank the others")
}

func TestNextAutoSongNeverRepeats(t *testing.T) {
	seed := &Song{URL: "seed", Title: "Overture - Kupla", Author: "Kupla Channel"}
	mem := newMemory()
	mem.URLs["played"] = struct{}{}
	mem.Titles = append(mem.Titles, NormalizeTitle("Already Heard This"))

	cat := &fakeCatalog{byTerm: map[string][]CatalogCandidate{
		"Kupla": {
			{URL: "seed", Title: "Overture", Duration: 2 * time.Minute},
			{URL: "played", Title: "Whatever", Duration: 2 * time.Minute},
			{URL: "fuzzy", Title: "Already Heard This (Official Video)", Duration: 2 * time.Minute},
			{URL: "seedish", Title: "Overture - Kupla [HD]", Duration: 2 * time.Minute},
		},
		"Kupla Channel": {},
	}}
	vids := &fakeVideos{hits: []VideoResult{
		{URL: "played", Title: "Whatever"},
		{URL: "fuzzy2", Title: "Already Heard This (Lyrics)"},
	}}
	r := &Recommender{Catalog: cat, Videos: vids, Meta: &fakeMeta{}}

	song, err := r.NextAutoSong(context.Background(), seed, mem)
	require.NoError(t, err)
	assert.Nil(t, song, "every candidate is a duplicate, nothing may be returned")
}

func TestNextAutoSongKeywordFallbackSkipsCompilations(t *testing.T) {
	// No split pattern in the title, so the artist path is skipped and the
	// channel path drives the fallback term.
	seed := &Song{URL: "seed", Title: "Untitled", Author: "Some Channel"}
	cat := &fakeCatalog{err: errors.New("catalog down")}
	vids := &fakeVideos{hits: []VideoResult{
		{URL: "c1", Title: "Best Mix 2024"},
		{URL: "c2", Title: "Ultimate Playlist Vol. 3"},
		{URL: "c3", Title: "A Normal Track"},
	}}
	r := &Recommender{Catalog: cat, Videos: vids, Meta: &fakeMeta{}}

	song, err := r.NextAutoSong(context.Background(), seed, newMemory())
	require.NoError(t, err)
	require.NotNil(t, song)
	assert.Equal(t, "c3", song.URL, "mix and playlist titles must be skipped")
}

func TestNextAutoSongMetadataFailureMeansNone(t *testing.T) {
	seed := &Song{URL: "seed", Title: "Overture - Kupla"}
	cat := &fakeCatalog{byTerm: map[string][]CatalogCandidate{
		"Kupla": {{URL: "u1", Title: "Valentine", Duration: 2 * time.Minute}},
	}}
	r := &Recommender{Catalog: cat, Videos: &fakeVideos{}, Meta: &fakeMeta{err: errors.New("extractor broke")}}

	song, err := r.NextAutoSong(context.Background(), seed, newMemory())
	assert.NoError(t, err, "metadata failures degrade to none, not errors")
	assert.Nil(t, song)
}

func TestNextAutoSongNilSeed(t *testing.T) {
	r := &Recommender{Catalog: &fakeCatalog{}, Videos: &fakeVideos{}, Meta: &fakeMeta{}}
	song, err := r.NextAutoSong(context.Background(), nil, newMemory())
	assert.NoError(t, err)
	assert.Nil(t, song)
}

func TestRecordPlayed(t *testing.T) {
	urls := make(map[string]struct{})
	var titles []string

	titles = RecordPlayed(urls, titles, &Song{URL: "u1", Title: "Song One (Official Video)"})
	titles = RecordPlayed(urls, titles, nil)

	_, ok := urls["u1"]
	assert.True(t, ok)
	require.Len(t, titles, 1)
	assert.Equal(t, "song one", titles[0])
}
