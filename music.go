package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"github.com/sho0pi/naturaltime"
)

// ===========================
// Command Registration
// ===========================

func init() {
	initStopParser()

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "play",
		Description: "Play a song, playlist or search query in your voice channel",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:         "query",
				Description:  "URL, playlist URL or search terms",
				Required:     true,
				Autocomplete: true,
			},
		},
	}, handlePlay)
	RegisterAutocompleteHandler("play", handlePlayAutocomplete)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "skip",
		Description: "Skip the current song",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handleSkip)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "stop",
		Description: "Stop playback and disconnect",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "after",
				Description: "Delay the stop, e.g. \"in 20 minutes\"",
				Required:    false,
			},
		},
	}, handleStop)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "pause",
		Description: "Pause the current song",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handlePause)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "resume",
		Description: "Resume a paused song",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handleResume)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "previous",
		Description: "Replay the previously played song",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handlePrevious)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "queue",
		Description: "Show the current queue",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handleQueue)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "autoplay",
		Description: "Toggle automatic follow-up songs when the queue runs out",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handleAutoplay)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "shuffle",
		Description: "Toggle shuffle mode for the user queue",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handleShuffle)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "stats",
		Description: "Show the most played tracks in this server",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
	}, handleStats)

	RegisterComponentHandler("player:", handlePlayerButtons)
	RegisterVoiceStateUpdateHandler(handlePlayerVoiceStateUpdate)

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogPlayer, func(ctx context.Context) (bool, func(), func()) {
			return startPresenceRotator(ctx, client)
		})
		RegisterDaemon(LogSearch, func(ctx context.Context) (bool, func(), func()) {
			return true, func() { startSearchCacheGC(ctx) }, nil
		})
	})
}

// ===========================
// Command Handlers
// ===========================

func handlePlay(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	query, _ := data.OptString("query")

	LogPlayer("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)

	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNotInVoice)), true)
		return
	}

	_ = event.DeferCreateMessage(false)

	reg := GetPlayerRegistry()
	p := reg.GetOrCreate(event.Client(), *event.GuildID(), *vs.ChannelID, event.Channel().ID())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.Connect(ctx); err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed to join voice: "+err.Error())))
		return
	}

	song, count, err := p.Enqueue(ctx, query)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed: "+err.Error())))
		return
	}

	content := fmt.Sprintf(MsgQueuedTrack, song.Title, song.URL)
	if song.Author != "" {
		content += " · " + song.Author
	}
	if count > 1 {
		content = fmt.Sprintf(MsgQueuedPlaylist, count, song.Title, song.URL)
	}
	if song.ThumbnailURL != "" {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(content), NewMediaGallery(song.ThumbnailURL)))
		return
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(content)))
}

func handlePlayAutocomplete(event *events.AutocompleteInteractionCreate) {
	focused := event.Data.Focused()
	if focused.Name != "query" {
		return
	}
	q := strings.TrimSpace(focused.String())
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var choices []discord.AutocompleteChoice
	for i, r := range combinedSearch(ctx, q) {
		if i >= 25 {
			break
		}
		name := Truncate(r.Title, 100)
		value := r.URL
		if len(value) > 100 {
			value = name
		}
		choices = append(choices, discord.AutocompleteChoiceString{Name: name, Value: value})
	}
	_ = event.AutocompleteResult(choices)
}

func handleSkip(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayerRegistry().Get(*event.GuildID())
	if p == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNotConnected)), true)
		return
	}
	title, err := p.Skip()
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(err.Error())), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgSkipped, title))), false)
}

func handleStop(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	guildID := *event.GuildID()

	if after, ok := data.OptString("after"); ok && after != "" {
		at, err := parseStopTime(after)
		if err != nil {
			_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrBadStopTime)), true)
			return
		}
		delay := time.Until(at)
		if delay <= 0 {
			_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrBadStopTime)), true)
			return
		}
		scheduleStop(guildID, delay)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgStopScheduled, FormatDuration(delay)))), false)
		return
	}

	LogPlayer("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, guildID)
	if !GetPlayerRegistry().Teardown(context.Background(), guildID) {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNotConnected)), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgStopped)), false)
}

func handlePause(event *events.ApplicationCommandInteractionCreate) {
	respondControl(event, func(p *GuildPlayer) (string, error) {
		if err := p.Pause(); err != nil {
			return "", err
		}
		return MsgPaused, nil
	})
}

func handleResume(event *events.ApplicationCommandInteractionCreate) {
	respondControl(event, func(p *GuildPlayer) (string, error) {
		if err := p.Resume(); err != nil {
			return "", err
		}
		return MsgResumed, nil
	})
}

func handlePrevious(event *events.ApplicationCommandInteractionCreate) {
	respondControl(event, func(p *GuildPlayer) (string, error) {
		if err := p.Previous(); err != nil {
			return "", err
		}
		return MsgPrevious, nil
	})
}

func handleAutoplay(event *events.ApplicationCommandInteractionCreate) {
	respondControl(event, func(p *GuildPlayer) (string, error) {
		if p.ToggleAutoplay() {
			return MsgAutoplayOn, nil
		}
		return MsgAutoplayOff, nil
	})
}

func handleShuffle(event *events.ApplicationCommandInteractionCreate) {
	respondControl(event, func(p *GuildPlayer) (string, error) {
		if p.ToggleShuffle() {
			return MsgShuffleOn, nil
		}
		return MsgShuffleOff, nil
	})
}

// respondControl wraps the shared "look up player, mutate, acknowledge once"
// flow of the transport-control commands.
func respondControl(event *events.ApplicationCommandInteractionCreate, action func(p *GuildPlayer) (string, error)) {
	p := GetPlayerRegistry().Get(*event.GuildID())
	if p == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNotConnected)), true)
		return
	}
	msg, err := action(p)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(err.Error())), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), false)
}

func handleQueue(event *events.ApplicationCommandInteractionCreate) {
	p := GetPlayerRegistry().Get(*event.GuildID())
	if p == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNotConnected)), true)
		return
	}

	p.mu.Lock()
	var components []interface{}
	if cur := p.queue.Current(); cur != nil {
		components = append(components, NewTextDisplay("**Now Playing:**"))
		line := fmt.Sprintf("[%s](%s)", cur.Title, cur.URL)
		if cur.Author != "" {
			line += " · " + cur.Author
		}
		if p.queue.IsPaused() {
			line += " (paused)"
		}
		components = append(components, NewTextDisplay(line))
		if cur.ThumbnailURL != "" {
			components = append(components, NewMediaGallery(cur.ThumbnailURL))
		}
		components = append(components, NewSeparator(true))
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	upcoming := p.queue.Upcoming(10)
	total := p.queue.UserLen() + p.queue.AutoLen()
	if len(upcoming) == 0 {
		components = append(components, NewTextDisplay("_Empty_"))
	} else {
		var b strings.Builder
		for i, s := range upcoming {
			b.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, s.Title, s.URL))
		}
		if total > len(upcoming) {
			b.WriteString(fmt.Sprintf("*...and %d more*", total-len(upcoming)))
		}
		components = append(components, NewTextDisplay(b.String()))
	}

	var flags []string
	if p.autoplay {
		flags = append(flags, "Autoplay")
	}
	if p.shuffle {
		flags = append(flags, "Shuffle")
	}
	if p.loading {
		flags = append(flags, "Loading playlist...")
	}
	if len(flags) > 0 {
		components = append(components, NewSeparator(true), NewTextDisplay("**"+strings.Join(flags, " · ")+"**"))
	}
	p.mu.Unlock()

	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(components...), true)
}

func handleStats(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	guildID := *event.GuildID()
	total, err := GetGuildPlayCount(ctx, guildID)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed to load stats.")), true)
		return
	}
	top, err := GetTopTracks(ctx, guildID, 10)
	if err != nil || len(top) == 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Nothing has been played here yet.")), true)
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Most Played** (%d tracks total)\n", total))
	for i, st := range top {
		line := fmt.Sprintf("`%d.` [%s](<%s>)", i+1, st.Title, st.URL)
		if st.Author != "" {
			line += " · " + st.Author
		}
		b.WriteString(fmt.Sprintf("%s — %d plays\n", line, st.PlayCount))
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(b.String())), true)
}

// ===========================
// Control Panel
// ===========================

func playerControlRow(paused bool) discord.ActionRowComponent {
	pauseLabel := "⏸"
	if paused {
		pauseLabel = "▶"
	}
	return discord.NewActionRow(
		discord.NewButton(discord.ButtonStyleSecondary, "⏮", "player:previous", "", 0),
		discord.NewButton(discord.ButtonStyleSecondary, pauseLabel, "player:pause", "", 0),
		discord.NewButton(discord.ButtonStyleSecondary, "⏭", "player:skip", "", 0),
		discord.NewButton(discord.ButtonStyleDanger, "⏹", "player:stop", "", 0),
	)
}

// publishPanel sends or edits the now-playing control panel in place.
func (p *GuildPlayer) publishPanel() {
	p.mu.Lock()
	cur := p.queue.Current()
	paused := p.queue.IsPaused()
	channelID := p.textChannelID
	panelID := p.panelID
	client := p.client
	p.mu.Unlock()

	if channelID == 0 {
		return
	}

	var components []interface{}
	if cur == nil {
		components = append(components, NewTextDisplay(MsgQueueFinished))
	} else {
		line := fmt.Sprintf("**Now Playing:** [%s](%s)", cur.Title, cur.URL)
		if cur.Author != "" {
			line += " · " + cur.Author
		}
		components = append(components, NewTextDisplay(line))
		if cur.ThumbnailURL != "" {
			components = append(components, NewMediaGallery(cur.ThumbnailURL))
		}
		components = append(components, playerControlRow(paused))
	}
	container := NewV2Container(components...)

	safeGo(func() {
		if panelID != 0 {
			if _, err := EditMessageV2(*client, channelID, panelID, container); err == nil {
				return
			}
		}
		msg, err := SendMessageV2(*client, channelID, container, nil)
		if err != nil {
			LogPlayer("Failed to publish control panel: %v", err)
			return
		}
		p.mu.Lock()
		p.panelID = msg.ID
		p.mu.Unlock()
	})
}

func handlePlayerButtons(event *events.ComponentInteractionCreate) {
	p := GetPlayerRegistry().Get(*event.GuildID())
	if p == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNotConnected)), true)
		return
	}

	action := strings.TrimPrefix(event.Data.CustomID(), "player:")
	var msg string
	var err error
	switch action {
	case "previous":
		err = p.Previous()
		msg = MsgPrevious
	case "pause":
		p.mu.Lock()
		paused := p.queue.IsPaused()
		p.mu.Unlock()
		if paused {
			err = p.Resume()
			msg = MsgResumed
		} else {
			err = p.Pause()
			msg = MsgPaused
		}
	case "skip":
		var title string
		title, err = p.Skip()
		msg = fmt.Sprintf(MsgSkipped, title)
	case "stop":
		GetPlayerRegistry().Teardown(context.Background(), p.guildID)
		msg = MsgStopped
	default:
		return
	}
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(err.Error())), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), true)
	p.publishPanel()
}

// ===========================
// Voice State & Timers
// ===========================

// handlePlayerVoiceStateUpdate reacts to the bot being disconnected from its
// voice channel: give the gateway two bounded 5-second windows to restore
// the connection, then treat the disconnect as terminal and tear down.
func handlePlayerVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	client := event.Client()
	if event.VoiceState.UserID != client.ID() {
		return
	}
	p := GetPlayerRegistry().Get(event.VoiceState.GuildID)
	if p == nil {
		return
	}

	if event.VoiceState.ChannelID != nil {
		p.mu.Lock()
		p.voiceChannelID = *event.VoiceState.ChannelID
		p.mu.Unlock()
		return
	}

	LogPlayer("Disconnected from voice in guild %s, waiting for recovery", p.guildID)
	safeGo(func() {
		for i := 0; i < 2; i++ {
			time.Sleep(5 * time.Second)
			if vs, ok := client.Caches.VoiceState(p.guildID, client.ID()); ok && vs.ChannelID != nil {
				LogPlayer("Voice connection recovered in guild %s", p.guildID)
				return
			}
		}
		if GetPlayerRegistry().Get(p.guildID) != p {
			return
		}
		p.notify(MsgDisconnected)
		GetPlayerRegistry().Teardown(context.Background(), p.guildID)
	})
}

var stopParser *naturaltime.Parser

// initStopParser initializes the natural language time parser
func initStopParser() {
	var err error
	stopParser, err = naturaltime.New()
	if err != nil {
		LogFatal("Failed to initialize naturaltime parser: %v", err)
	}
}

func parseStopTime(input string) (time.Time, error) {
	now := time.Now()
	if result, err := stopParser.ParseDate(input, now); err == nil && result != nil {
		return *result, nil
	}
	if d, err := time.ParseDuration(input); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, errors.New(ErrBadStopTime)
}

// scheduleStop arms a delayed stop for the guild. The timer re-checks
// registry presence on fire so a manual stop in between is not doubled.
func scheduleStop(guildID snowflake.ID, delay time.Duration) {
	LogPlayer("Scheduled stop for guild %s in %v", guildID, delay.Round(time.Second))
	time.AfterFunc(delay, func() {
		p := GetPlayerRegistry().Get(guildID)
		if p == nil {
			return
		}
		p.notify(MsgStopTimer)
		GetPlayerRegistry().Teardown(context.Background(), guildID)
	})
}

// ===========================
// Presence Rotator
// ===========================

// startPresenceRotator updates the bot presence with the active session
// count every minute.
func startPresenceRotator(ctx context.Context, client *bot.Client) (bool, func(), func()) {
	done := make(chan struct{})
	run := func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				n := GetPlayerRegistry().ActiveCount()
				status := "music"
				if n > 0 {
					status = fmt.Sprintf("music in %d server(s)", n)
				}
				err := client.SetPresence(ctx,
					gateway.WithOnlineStatus(discord.OnlineStatusOnline),
					gateway.WithStreamingActivity(status, GlobalConfig.StreamingURL),
				)
				if err != nil {
					LogPlayer("Failed to update presence: %v", err)
				}
			}
		}
	}
	shutdown := func() { close(done) }
	return true, run, shutdown
}
