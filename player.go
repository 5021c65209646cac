package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Playback Orchestrator
// ===========================

const (
	InactivityTimeout   = 5 * time.Minute
	StreamRetryDelay    = 1 * time.Second
	MaxStreamFailures   = 3
	HistoryLimit        = 10
	PlaylistExpandLimit = 100
)

type PlayerState int

const (
	StateIdle PlayerState = iota
	StateLoading
	StatePlaying
	StatePaused
)

// GuildPlayer is the single aggregate record for one guild: queue, voice
// connection, timers, toggles and recommendation memory live and die
// together. One mutex serializes every event for the guild, so each command,
// button press, stream callback and timer fire runs as a critical section.
type GuildPlayer struct {
	guildID        snowflake.ID
	client         *bot.Client
	textChannelID  snowflake.ID
	voiceChannelID snowflake.ID

	mu           sync.Mutex
	queue        *MusicQueue
	history      []*Song
	playedURLs   map[string]struct{}
	playedTitles []string
	autoplay     bool
	shuffle      bool
	loading      bool
	state        PlayerState
	failStreak   int

	conn            voice.Conn
	joined          bool
	streamer        trackStreamer
	streamCancel    context.CancelFunc
	advanceOnCancel bool

	inactivity *time.Timer
	panelID    snowflake.ID

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	rec  *Recommender
	meta MetadataResolver
}

// PlayerRegistry owns all guild players. Insert and remove are atomic per
// guild; a player handed out by Get is either fully alive or already
// detached, never half torn down.
type PlayerRegistry struct {
	mu      sync.Mutex
	players map[snowflake.ID]*GuildPlayer
}

var (
	playerRegistry     *PlayerRegistry
	playerRegistryOnce sync.Once
)

func GetPlayerRegistry() *PlayerRegistry {
	playerRegistryOnce.Do(func() {
		playerRegistry = &PlayerRegistry{players: make(map[snowflake.ID]*GuildPlayer)}
	})
	return playerRegistry
}

func (r *PlayerRegistry) Get(guildID snowflake.ID) *GuildPlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.players[guildID]
}

// GetOrCreate lazily creates the per-guild aggregate on the first play
// request. Autoplay defaults on; everything else starts empty.
func (r *PlayerRegistry) GetOrCreate(client *bot.Client, guildID, voiceChannelID, textChannelID snowflake.ID) *GuildPlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[guildID]; ok {
		p.mu.Lock()
		p.voiceChannelID = voiceChannelID
		p.textChannelID = textChannelID
		p.mu.Unlock()
		return p
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &GuildPlayer{
		guildID:        guildID,
		client:         client,
		textChannelID:  textChannelID,
		voiceChannelID: voiceChannelID,
		queue:          NewMusicQueue(),
		playedURLs:     make(map[string]struct{}),
		autoplay:       true,
		cancelCtx:      ctx,
		cancelFunc:     cancel,
		rec:            &Recommender{Catalog: musicCatalog{}, Videos: videoSearch{}, Meta: ytdlpResolver{}},
		meta:           ytdlpResolver{},
	}
	r.players[guildID] = p
	return p
}

// Teardown removes the guild's record and destroys its resources as a unit.
// Returns false when the guild had no active player.
func (r *PlayerRegistry) Teardown(ctx context.Context, guildID snowflake.ID) bool {
	r.mu.Lock()
	p, ok := r.players[guildID]
	if ok {
		delete(r.players, guildID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.teardown(ctx)
	return true
}

// Shutdown tears down every guild player, used on process exit.
func (r *PlayerRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	players := make([]*GuildPlayer, 0, len(r.players))
	for id, p := range r.players {
		players = append(players, p)
		delete(r.players, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range players {
		wg.Add(1)
		go func(gp *GuildPlayer) {
			defer wg.Done()
			gp.teardown(ctx)
		}(p)
	}
	wg.Wait()
}

func (r *PlayerRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// ===========================
// Connection
// ===========================

// Connect opens the voice connection, retrying with backoff. Re-invoking
// with a different channel moves the bot there.
func (p *GuildPlayer) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.joined {
		channelID := p.voiceChannelID
		conn := p.conn
		p.mu.Unlock()
		// Channel move: rebind the existing connection.
		return conn.Open(ctx, channelID, false, false)
	}
	conn := p.client.VoiceManager.CreateConn(p.guildID)
	p.conn = conn
	channelID := p.voiceChannelID
	p.mu.Unlock()

	LogPlayer("Joining channel %s in guild %s", channelID, p.guildID)

	var lastErr error
	for i := 0; i < 5; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			LogPlayer("Retrying voice connection in %v (attempt %d/5)", backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		conn.Close(ctx)
		return lastErr
	}

	p.mu.Lock()
	p.joined = true
	p.streamer = newVoiceStreamer(conn)
	p.mu.Unlock()
	return nil
}

// ===========================
// Enqueue
// ===========================

// Enqueue resolves a play query into one or more songs, appends them to the
// user queue and starts playback when idle. The first resolved song is
// returned for the acknowledgment, along with the total queued count (1 for
// a single track, the entry count for a playlist whose tail loads in the
// background).
func (p *GuildPlayer) Enqueue(ctx context.Context, query string) (*Song, int, error) {
	if isPlaylistURL(query) {
		return p.enqueuePlaylist(ctx, query)
	}

	url := query
	if !isHTTPURL(query) {
		results := combinedSearch(ctx, query)
		if len(results) == 0 {
			return nil, 0, errors.New(ErrNoResults)
		}
		url = results[0].URL
	}

	song, err := p.meta.FetchInfo(ctx, url)
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	p.queue.AddUser(song)
	startNow := !p.queue.IsPlaying()
	p.mu.Unlock()

	if startNow {
		p.PlayNext()
	}
	return song, 1, nil
}

// enqueuePlaylist queues the first entry synchronously and expands the rest
// in a detached background flow so the triggering command returns promptly.
// The loading flag stays set until expansion finishes and is visible to the
// queue display.
func (p *GuildPlayer) enqueuePlaylist(ctx context.Context, url string) (*Song, int, error) {
	entries, err := p.meta.ResolvePlaylist(ctx, url, PlaylistExpandLimit)
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, errors.New(ErrNoResults)
	}

	first, err := p.meta.FetchInfo(ctx, entries[0].URL)
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	p.queue.AddUser(first)
	p.loading = len(entries) > 1
	startNow := !p.queue.IsPlaying()
	p.mu.Unlock()

	if len(entries) > 1 {
		rest := entries[1:]
		safeGo(func() {
			defer func() {
				p.mu.Lock()
				p.loading = false
				p.mu.Unlock()
			}()
			for _, e := range rest {
				// A stop may land mid-expansion; stale appends must be
				// dropped once the registry entry is gone.
				if GetPlayerRegistry().Get(p.guildID) != p {
					return
				}
				song, err := p.meta.FetchInfo(p.cancelCtx, e.URL)
				if err != nil {
					LogPlayer("Skipping playlist entry %s: %v", e.URL, err)
					continue
				}
				p.mu.Lock()
				if p.cancelCtx.Err() != nil {
					p.mu.Unlock()
					return
				}
				p.queue.AddUser(song)
				if p.shuffle {
					p.queue.ShuffleUser()
				}
				p.mu.Unlock()
			}
			LogPlayer("Playlist expansion finished for guild %s (%d entries)", p.guildID, len(rest)+1)
		})
	}

	if startNow {
		p.PlayNext()
	}
	return first, len(entries), nil
}

// ===========================
// playNext — the advance transition
// ===========================

// PlayNext is the single re-entrant transition function of the playback
// state machine. It runs at genuine transition points only: first play,
// end of track, skip, stream error (after backoff) and after appending an
// auto-recommendation. It never double-consumes queue entries because every
// invocation re-reads the queue under the guild lock.
func (p *GuildPlayer) PlayNext() {
	p.mu.Lock()
	if p.cancelCtx.Err() != nil {
		p.mu.Unlock()
		return
	}

	next := p.queue.Next()

	// Queue empty with a finished current song: ask the recommendation
	// engine for a follow-up before going idle.
	if next == nil && p.queue.Current() != nil && p.autoplay {
		seed := p.queue.Current()
		mem := p.memorySnapshotLocked()
		rec := p.rec
		p.mu.Unlock()

		song, _ := rec.NextAutoSong(p.cancelCtx, seed, mem)

		// The guild may have been stopped while the search was in flight.
		if GetPlayerRegistry().Get(p.guildID) != p {
			return
		}
		p.mu.Lock()
		if p.cancelCtx.Err() != nil {
			p.mu.Unlock()
			return
		}
		if song != nil {
			p.playedTitles = RecordPlayed(p.playedURLs, p.playedTitles, song)
			p.queue.AddAuto(song)
			LogPlayer("Autoplay picked %s for guild %s", song.Title, p.guildID)
			next = p.queue.Next()
		}
	}

	if next == nil {
		p.queue.SetCurrent(nil)
		p.queue.SetPlaying(false, false)
		p.state = StateIdle
		p.armInactivityLocked()
		p.mu.Unlock()
		p.notify(MsgQueueFinished)
		p.setVoiceStatus("")
		p.publishPanel()
		return
	}

	p.disarmInactivityLocked()
	if outgoing := p.queue.Current(); outgoing != nil {
		p.pushHistoryLocked(outgoing)
	}
	p.queue.SetCurrent(next)
	p.queue.SetPlaying(true, false)
	p.state = StateLoading

	st := p.streamer
	if st == nil {
		// No voice connection: reachable only if the connect failed after
		// the queue mutation; drop back to idle instead of wedging.
		p.queue.SetCurrent(nil)
		p.queue.SetPlaying(false, false)
		p.state = StateIdle
		p.armInactivityLocked()
		p.mu.Unlock()
		return
	}

	// A non-idle player must be force-stopped before a new stream is
	// attached; two concurrent resources on one connection is an invariant
	// violation.
	if p.streamCancel != nil {
		p.advanceOnCancel = false
		p.streamCancel()
	}
	ctx, cancel := context.WithCancel(p.cancelCtx)
	p.streamCancel = cancel
	st.SetPaused(false)
	p.state = StatePlaying
	song := next
	p.mu.Unlock()

	LogPlayer("Playing %s · %s (%s) in guild %s", song.Title, song.Author, song.URL, p.guildID)
	p.setVoiceStatus(TruncateWithPreserve(song.Title, 128, "⏸️ ", ""))
	p.publishPanel()
	safeGo(func() { recordPlayStat(p.guildID, song) })
	safeGo(func() {
		err := st.Play(ctx, song)
		p.onStreamDone(ctx, song, err)
	})
}

// onStreamDone routes a finished stream back into the state machine.
func (p *GuildPlayer) onStreamDone(ctx context.Context, s *Song, err error) {
	if GetPlayerRegistry().Get(p.guildID) != p {
		return
	}
	p.mu.Lock()
	if p.cancelCtx.Err() != nil {
		p.mu.Unlock()
		return
	}

	if ctx.Err() != nil {
		// Canceled: either a skip/previous (advance) or a replacement
		// stream already started by PlayNext (do nothing).
		advance := p.advanceOnCancel
		p.advanceOnCancel = false
		p.mu.Unlock()
		if advance {
			p.PlayNext()
		}
		return
	}

	if err == nil {
		p.failStreak = 0
		p.mu.Unlock()
		LogPlayer("Track finished: %s", s.URL)
		p.PlayNext()
		return
	}

	p.failStreak++
	streak := p.failStreak
	p.mu.Unlock()

	LogPlayer("Stream error for %s: %v", s.URL, err)
	p.notify(fmt.Sprintf(MsgStreamError, s.Title))

	if streak >= MaxStreamFailures {
		p.mu.Lock()
		p.failStreak = 0
		p.queue.SetCurrent(nil)
		p.queue.SetPlaying(false, false)
		p.state = StateIdle
		p.disarmInactivityLocked()
		p.armInactivityLocked()
		p.mu.Unlock()
		p.notify(MsgRepeatedErrors)
		p.publishPanel()
		return
	}

	time.AfterFunc(StreamRetryDelay, func() {
		if GetPlayerRegistry().Get(p.guildID) != p {
			return
		}
		p.PlayNext()
	})
}

// ===========================
// Transport Controls
// ===========================

// Skip cancels the active stream and advances.
func (p *GuildPlayer) Skip() (string, error) {
	p.mu.Lock()
	cur := p.queue.Current()
	if cur == nil {
		p.mu.Unlock()
		return "", errors.New(ErrNothingPlaying)
	}
	title := cur.Title
	if p.streamCancel != nil {
		p.advanceOnCancel = true
		cancel := p.streamCancel
		p.mu.Unlock()
		cancel()
		return title, nil
	}
	p.mu.Unlock()
	p.PlayNext()
	return title, nil
}

// Previous replays the most recent history entry: the current song goes
// back to the queue front, the history entry in front of it.
func (p *GuildPlayer) Previous() error {
	p.mu.Lock()
	if len(p.history) == 0 {
		p.mu.Unlock()
		return errors.New(ErrNoPrevious)
	}
	last := p.history[len(p.history)-1]
	p.history = p.history[:len(p.history)-1]
	if cur := p.queue.Current(); cur != nil {
		p.queue.AddUserFront(cur)
	}
	p.queue.AddUserFront(last)

	if p.streamCancel != nil {
		p.advanceOnCancel = true
		cancel := p.streamCancel
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.mu.Unlock()
	p.PlayNext()
	return nil
}

// Pause is legal only while playing; a paused guild counts as inactive for
// eviction, so pausing arms the timer.
func (p *GuildPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queue.IsPlaying() || p.queue.IsPaused() {
		return errors.New(ErrNotPlaying)
	}
	p.queue.SetPlaying(true, true)
	p.state = StatePaused
	if p.streamer != nil {
		p.streamer.SetPaused(true)
	}
	p.disarmInactivityLocked()
	p.armInactivityLocked()
	return nil
}

// Resume is legal only while paused and disarms the inactivity timer.
func (p *GuildPlayer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queue.IsPaused() {
		return errors.New(ErrNotPaused)
	}
	p.queue.SetPlaying(true, false)
	p.state = StatePlaying
	if p.streamer != nil {
		p.streamer.SetPaused(false)
	}
	p.disarmInactivityLocked()
	return nil
}

// ToggleAutoplay flips the autoplay flag and returns the new value.
func (p *GuildPlayer) ToggleAutoplay() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoplay = !p.autoplay
	if !p.autoplay {
		p.queue.ClearAuto()
	}
	return p.autoplay
}

// ToggleShuffle flips the shuffle flag; enabling it shuffles the user queue
// immediately.
func (p *GuildPlayer) ToggleShuffle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shuffle = !p.shuffle
	if p.shuffle {
		p.queue.ShuffleUser()
	}
	return p.shuffle
}

// ===========================
// Timers, History, Memory
// ===========================

// armInactivityLocked arms the single 5-minute eviction timer. Arming is a
// no-op when a timer is already pending, so repeated idle transitions never
// stack timers.
func (p *GuildPlayer) armInactivityLocked() {
	if p.inactivity != nil {
		return
	}
	p.inactivity = time.AfterFunc(InactivityTimeout, func() {
		reg := GetPlayerRegistry()
		if reg.Get(p.guildID) != p {
			return
		}
		LogPlayer("Inactivity timeout in guild %s, leaving voice", p.guildID)
		p.notify(MsgInactivityLeave)
		reg.Teardown(context.Background(), p.guildID)
	})
}

func (p *GuildPlayer) disarmInactivityLocked() {
	if p.inactivity != nil {
		p.inactivity.Stop()
		p.inactivity = nil
	}
}

// pushHistoryLocked keeps the bounded previous-track stack, evicting the
// oldest entry past the cap.
func (p *GuildPlayer) pushHistoryLocked(s *Song) {
	p.history = append(p.history, s)
	if len(p.history) > HistoryLimit {
		p.history = p.history[len(p.history)-HistoryLimit:]
	}
}

// memorySnapshotLocked copies the recommendation-dedup state so the engine
// can read it without holding the guild lock across network calls.
func (p *GuildPlayer) memorySnapshotLocked() PlayMemory {
	urls := make(map[string]struct{}, len(p.playedURLs))
	for u := range p.playedURLs {
		urls[u] = struct{}{}
	}
	titles := make([]string, len(p.playedTitles))
	copy(titles, p.playedTitles)
	return PlayMemory{URLs: urls, Titles: titles}
}

// ===========================
// Teardown
// ===========================

func (p *GuildPlayer) teardown(ctx context.Context) {
	p.mu.Lock()
	p.disarmInactivityLocked()
	if p.streamCancel != nil {
		p.streamCancel()
		p.streamCancel = nil
	}
	p.cancelFunc()
	st := p.streamer
	conn := p.conn
	p.streamer = nil
	p.conn = nil
	p.joined = false
	p.queue.Clear()
	p.history = nil
	p.playedURLs = make(map[string]struct{})
	p.playedTitles = nil
	p.loading = false
	p.state = StateIdle
	p.mu.Unlock()

	if st != nil {
		st.Detach()
	}
	if conn != nil && !(reflect.ValueOf(conn).Kind() == reflect.Ptr && reflect.ValueOf(conn).IsNil()) {
		conn.Close(ctx)
	}
	p.setVoiceStatus("")
	LogPlayer("Tore down player for guild %s", p.guildID)
}

// ===========================
// Channel Output
// ===========================

// notify sends a one-shot text notice to the guild's request channel.
func (p *GuildPlayer) notify(content string) {
	if p.textChannelID == 0 {
		return
	}
	client := p.client
	channelID := p.textChannelID
	safeGo(func() {
		if _, err := SendMessageV2(*client, channelID, NewV2Container(NewTextDisplay(content)), nil); err != nil {
			LogPlayer("Failed to notify channel %s: %v", channelID, err)
		}
	})
}

// setVoiceStatus mirrors playback state onto the voice channel status line.
func (p *GuildPlayer) setVoiceStatus(status string) {
	p.mu.Lock()
	channelID := p.voiceChannelID
	client := p.client
	p.mu.Unlock()
	if channelID == 0 {
		return
	}
	safeGo(func() {
		route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
		if err := client.Rest.Do(route.Compile(nil), map[string]string{"status": status}, nil); err != nil {
			LogPlayer("Failed to update voice status for %s: %v", channelID, err)
		}
	})
}

func isHTTPURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}
