package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrackStreamer hands control of stream lifetimes to the test: Play
// blocks until the test releases it or the player cancels.
type fakeTrackStreamer struct {
	playing chan *Song
	release chan error
}

func newFakeTrackStreamer() *fakeTrackStreamer {
	return &fakeTrackStreamer{
		playing: make(chan *Song, 10),
		release: make(chan error),
	}
}

func (f *fakeTrackStreamer) Play(ctx context.Context, s *Song) error {
	f.playing <- s
	select {
	case err := <-f.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTrackStreamer) SetPaused(paused bool) {}
func (f *fakeTrackStreamer) Detach()               {}

func (f *fakeTrackStreamer) awaitPlay(t *testing.T) *Song {
	t.Helper()
	select {
	case s := <-f.playing:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Play")
		return nil
	}
}

func (f *fakeTrackStreamer) assertNoPlay(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.playing:
		t.Fatalf("unexpected Play for %s", s.URL)
	case <-time.After(200 * time.Millisecond):
	}
}

var testGuildCounter snowflake.ID = 900000

func newTestPlayer(t *testing.T, fs *fakeTrackStreamer, rec *Recommender) *GuildPlayer {
	t.Helper()
	testGuildCounter++
	guildID := testGuildCounter

	ctx, cancel := context.WithCancel(context.Background())
	if rec == nil {
		rec = &Recommender{Catalog: &fakeCatalog{}, Videos: &fakeVideos{}, Meta: &fakeMeta{}}
	}
	p := &GuildPlayer{
		guildID:    guildID,
		queue:      NewMusicQueue(),
		playedURLs: make(map[string]struct{}),
		autoplay:   false,
		cancelCtx:  ctx,
		cancelFunc: cancel,
		rec:        rec,
		meta:       &fakeMeta{},
		streamer:   fs,
		joined:     true,
	}

	r := GetPlayerRegistry()
	r.mu.Lock()
	r.players[guildID] = p
	r.mu.Unlock()

	t.Cleanup(func() {
		r.mu.Lock()
		delete(r.players, guildID)
		r.mu.Unlock()
		cancel()
	})
	return p
}

func TestPlayNextAdvancesThroughQueue(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	a := &Song{URL: "a", Title: "Track A"}
	b := &Song{URL: "b", Title: "Track B"}
	p.mu.Lock()
	p.queue.AddUser(a)
	p.queue.AddUser(b)
	p.mu.Unlock()

	p.PlayNext()
	assert.Equal(t, a, fs.awaitPlay(t))

	p.mu.Lock()
	assert.Equal(t, a, p.queue.Current())
	assert.Equal(t, StatePlaying, p.state)
	p.mu.Unlock()

	// Natural end of A advances to B and records A in history.
	fs.release <- nil
	assert.Equal(t, b, fs.awaitPlay(t))

	p.mu.Lock()
	assert.Equal(t, b, p.queue.Current())
	require.Len(t, p.history, 1)
	assert.Equal(t, a, p.history[0])
	p.mu.Unlock()
}

func TestIdleArmsInactivityTimerExactlyOnce(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.PlayNext()
	fs.assertNoPlay(t)

	p.mu.Lock()
	require.NotNil(t, p.inactivity, "going idle must arm the eviction timer")
	first := p.inactivity
	assert.Equal(t, StateIdle, p.state)
	p.mu.Unlock()

	// A second idle transition must not stack a second timer.
	p.PlayNext()
	p.mu.Lock()
	assert.Same(t, first, p.inactivity)
	p.mu.Unlock()
}

func TestPlayDisarmsInactivityTimer(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.PlayNext()
	p.mu.Lock()
	require.NotNil(t, p.inactivity)
	p.queue.AddUser(&Song{URL: "a", Title: "Track A"})
	p.mu.Unlock()

	p.PlayNext()
	fs.awaitPlay(t)

	p.mu.Lock()
	assert.Nil(t, p.inactivity, "starting playback must disarm the timer")
	p.mu.Unlock()
}

func TestSkipCancelsAndAdvances(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	a := &Song{URL: "a", Title: "Track A"}
	b := &Song{URL: "b", Title: "Track B"}
	p.mu.Lock()
	p.queue.AddUser(a)
	p.queue.AddUser(b)
	p.mu.Unlock()

	p.PlayNext()
	fs.awaitPlay(t)

	title, err := p.Skip()
	require.NoError(t, err)
	assert.Equal(t, "Track A", title)

	assert.Equal(t, b, fs.awaitPlay(t))
}

func TestSkipWithoutCurrent(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	_, err := p.Skip()
	assert.EqualError(t, err, ErrNothingPlaying)
}

func TestPreviousReplaysHistory(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	a := &Song{URL: "a", Title: "Track A"}
	b := &Song{URL: "b", Title: "Track B"}
	p.mu.Lock()
	p.queue.AddUser(a)
	p.queue.AddUser(b)
	p.mu.Unlock()

	p.PlayNext()
	fs.awaitPlay(t)
	fs.release <- nil
	fs.awaitPlay(t) // now playing B, history [A]

	require.NoError(t, p.Previous())

	// A replays; the interrupted B moves into history.
	assert.Equal(t, a, fs.awaitPlay(t))
	p.mu.Lock()
	require.Len(t, p.history, 1)
	assert.Equal(t, b, p.history[0])
	// B is queued right behind the replayed track.
	up := p.queue.Upcoming(1)
	require.Len(t, up, 1)
	assert.Equal(t, b, up[0])
	p.mu.Unlock()
}

func TestPreviousWithEmptyHistory(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	assert.EqualError(t, p.Previous(), ErrNoPrevious)
}

func TestPauseResumeLegality(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	assert.EqualError(t, p.Pause(), ErrNotPlaying, "pause while idle is illegal")
	assert.EqualError(t, p.Resume(), ErrNotPaused, "resume while idle is illegal")

	p.mu.Lock()
	p.queue.AddUser(&Song{URL: "a", Title: "Track A"})
	p.mu.Unlock()
	p.PlayNext()
	fs.awaitPlay(t)

	require.NoError(t, p.Pause())
	p.mu.Lock()
	assert.Equal(t, StatePaused, p.state)
	assert.NotNil(t, p.inactivity, "a paused guild counts as inactive")
	p.mu.Unlock()

	assert.EqualError(t, p.Pause(), ErrNotPlaying, "double pause is illegal")

	require.NoError(t, p.Resume())
	p.mu.Lock()
	assert.Equal(t, StatePlaying, p.state)
	assert.Nil(t, p.inactivity, "resume must disarm the timer")
	p.mu.Unlock()

	assert.EqualError(t, p.Resume(), ErrNotPaused, "double resume is illegal")
}

func TestAutoplayAppendsRecommendation(t *testing.T) {
	fs := newFakeTrackStreamer()
	cat := &fakeCatalog{byTerm: map[string][]CatalogCandidate{
		"Kupla": {{URL: "auto1", Title: "Valentine", Duration: 2 * time.Minute}},
	}}
	rec := &Recommender{Catalog: cat, Videos: &fakeVideos{}, Meta: &fakeMeta{}}
	p := newTestPlayer(t, fs, rec)
	p.mu.Lock()
	p.autoplay = true
	p.queue.AddUser(&Song{URL: "seed", Title: "Overture - Kupla"})
	p.mu.Unlock()

	p.PlayNext()
	fs.awaitPlay(t)
	fs.release <- nil

	got := fs.awaitPlay(t)
	assert.Equal(t, "auto1", got.URL)

	p.mu.Lock()
	_, remembered := p.playedURLs["auto1"]
	assert.True(t, remembered, "the auto pick must enter the dedup memory")
	p.mu.Unlock()
}

func TestAutoplayOffGoesIdle(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)
	p.mu.Lock()
	p.queue.AddUser(&Song{URL: "seed", Title: "Overture - Kupla"})
	p.mu.Unlock()

	p.PlayNext()
	fs.awaitPlay(t)
	fs.release <- nil

	fs.assertNoPlay(t)
	p.mu.Lock()
	assert.Equal(t, StateIdle, p.state)
	assert.Nil(t, p.queue.Current())
	assert.NotNil(t, p.inactivity)
	p.mu.Unlock()
}

func TestRepeatedStreamFailuresGiveUp(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.mu.Lock()
	for _, u := range []string{"a", "b", "c", "d"} {
		p.queue.AddUser(&Song{URL: u, Title: "Track " + u})
	}
	p.mu.Unlock()

	p.PlayNext()
	for i := 0; i < MaxStreamFailures; i++ {
		fs.awaitPlay(t)
		fs.release <- errors.New("stream broke")
	}

	// The third consecutive failure gives up instead of retrying.
	fs.assertNoPlay(t)
	p.mu.Lock()
	assert.Equal(t, StateIdle, p.state)
	assert.Equal(t, 0, p.failStreak)
	assert.Nil(t, p.queue.Current())
	assert.NotNil(t, p.inactivity)
	p.mu.Unlock()
}

func TestStreamFailureStreakResetsOnSuccess(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.mu.Lock()
	for _, u := range []string{"a", "b", "c"} {
		p.queue.AddUser(&Song{URL: u, Title: "Track " + u})
	}
	p.mu.Unlock()

	p.PlayNext()
	fs.awaitPlay(t)
	fs.release <- errors.New("stream broke")

	// Retry fires after the backoff and plays the next track.
	fs.awaitPlay(t)
	fs.release <- nil

	fs.awaitPlay(t)
	p.mu.Lock()
	assert.Equal(t, 0, p.failStreak)
	p.mu.Unlock()
}

func TestToggleAutoplayClearsAutoQueue(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.mu.Lock()
	p.autoplay = true
	p.queue.AddAuto(&Song{URL: "auto", Title: "Auto"})
	p.queue.AddUser(&Song{URL: "user", Title: "User"})
	p.mu.Unlock()

	assert.False(t, p.ToggleAutoplay())
	p.mu.Lock()
	assert.Equal(t, 0, p.queue.AutoLen())
	assert.Equal(t, 1, p.queue.UserLen())
	p.mu.Unlock()
}

func TestHistoryBounded(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.mu.Lock()
	for i := 0; i < HistoryLimit+5; i++ {
		p.pushHistoryLocked(&Song{URL: string(rune('a' + i))})
	}
	assert.Len(t, p.history, HistoryLimit)
	assert.Equal(t, string(rune('a'+5)), p.history[0].URL, "oldest entries evict first")
	p.mu.Unlock()
}

func TestRegistryLifecycle(t *testing.T) {
	r := GetPlayerRegistry()
	testGuildCounter++
	guildID := testGuildCounter

	before := r.ActiveCount()
	p := r.GetOrCreate(nil, guildID, 0, 0)
	require.NotNil(t, p)
	assert.Same(t, p, r.Get(guildID))
	assert.Same(t, p, r.GetOrCreate(nil, guildID, 0, 0))
	assert.Equal(t, before+1, r.ActiveCount())
	assert.True(t, p.autoplay, "autoplay defaults on")

	assert.True(t, r.Teardown(context.Background(), guildID))
	assert.Nil(t, r.Get(guildID))
	assert.False(t, r.Teardown(context.Background(), guildID), "second teardown is a no-op")
	assert.Equal(t, before, r.ActiveCount())
}

func TestTeardownStopsActiveStream(t *testing.T) {
	fs := newFakeTrackStreamer()
	p := newTestPlayer(t, fs, nil)

	p.mu.Lock()
	p.queue.AddUser(&Song{URL: "a", Title: "Track A"})
	p.mu.Unlock()
	p.PlayNext()
	fs.awaitPlay(t)

	r := GetPlayerRegistry()
	require.True(t, r.Teardown(context.Background(), p.guildID))

	// The canceled stream must not trigger another advance.
	fs.assertNoPlay(t)
	p.mu.Lock()
	assert.True(t, p.queue.IsEmpty())
	assert.Nil(t, p.queue.Current())
	p.mu.Unlock()
}
