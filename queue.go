package main

import (
	"math/rand"
	"time"
)

// ===========================
// Song & Queue Model
// ===========================

// Song is an immutable description of a playable track. Identity for dedup
// purposes is the URL.
type Song struct {
	URL          string
	Title        string
	Author       string
	Duration     time.Duration
	ThumbnailURL string
	ViewCount    int64
}

// MusicQueue holds the per-guild song queues. User-requested songs always
// drain before auto-recommended ones. The queue is not internally locked;
// the owning GuildPlayer serializes access.
type MusicQueue struct {
	userQueue []*Song
	autoQueue []*Song
	current   *Song
	playing   bool
	paused    bool
}

func NewMusicQueue() *MusicQueue {
	return &MusicQueue{}
}

// AddUser appends a user-requested song.
func (q *MusicQueue) AddUser(s *Song) {
	q.userQueue = append(q.userQueue, s)
}

// AddUserFront pushes a song to the front of the user queue so it plays next.
func (q *MusicQueue) AddUserFront(s *Song) {
	q.userQueue = append([]*Song{s}, q.userQueue...)
}

// AddAuto appends an auto-recommended song.
func (q *MusicQueue) AddAuto(s *Song) {
	q.autoQueue = append(q.autoQueue, s)
}

// Next pops the next song, draining the user queue before the auto queue.
// Returns nil when both are empty.
func (q *MusicQueue) Next() *Song {
	if len(q.userQueue) > 0 {
		s := q.userQueue[0]
		q.userQueue = q.userQueue[1:]
		return s
	}
	if len(q.autoQueue) > 0 {
		s := q.autoQueue[0]
		q.autoQueue = q.autoQueue[1:]
		return s
	}
	return nil
}

// Clear resets the queue to the empty idle state.
func (q *MusicQueue) Clear() {
	q.userQueue = nil
	q.autoQueue = nil
	q.current = nil
	q.playing = false
	q.paused = false
}

// ClearAuto drops all auto-recommended songs.
func (q *MusicQueue) ClearAuto() {
	q.autoQueue = nil
}

func (q *MusicQueue) IsEmpty() bool {
	return len(q.userQueue) == 0 && len(q.autoQueue) == 0
}

func (q *MusicQueue) UserLen() int { return len(q.userQueue) }
func (q *MusicQueue) AutoLen() int { return len(q.autoQueue) }

func (q *MusicQueue) Current() *Song     { return q.current }
func (q *MusicQueue) SetCurrent(s *Song) { q.current = s }

func (q *MusicQueue) IsPlaying() bool { return q.playing }
func (q *MusicQueue) IsPaused() bool  { return q.paused }

func (q *MusicQueue) SetPlaying(playing, paused bool) {
	q.playing = playing
	q.paused = paused
}

// Upcoming returns up to n songs in play order without consuming them.
func (q *MusicQueue) Upcoming(n int) []*Song {
	out := make([]*Song, 0, n)
	for _, s := range q.userQueue {
		if len(out) >= n {
			return out
		}
		out = append(out, s)
	}
	for _, s := range q.autoQueue {
		if len(out) >= n {
			return out
		}
		out = append(out, s)
	}
	return out
}

// ShuffleUser applies an in-place Fisher-Yates permutation to the user queue
// only. The auto queue keeps its order.
func (q *MusicQueue) ShuffleUser() {
	for i := len(q.userQueue) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		q.userQueue[i], q.userQueue[j] = q.userQueue[j], q.userQueue[i]
	}
}
