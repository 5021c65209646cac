package main

import (
	"fmt"
	"testing"
)

func makeSongs(prefix string, n int) []*Song {
	out := make([]*Song, n)
	for i := range out {
		out[i] = &Song{
			URL:   fmt.Sprintf("https://example.com/%s/%d", prefix, i),
			Title: fmt.Sprintf("%s song %d", prefix, i),
		}
	}
	return out
}

func TestQueueUserDrainsBeforeAuto(t *testing.T) {
	q := NewMusicQueue()
	auto := makeSongs("auto", 2)
	user := makeSongs("user", 3)

	q.AddAuto(auto[0])
	q.AddUser(user[0])
	q.AddUser(user[1])
	q.AddAuto(auto[1])
	q.AddUser(user[2])

	want := []*Song{user[0], user[1], user[2], auto[0], auto[1]}
	for i, w := range want {
		got := q.Next()
		if got != w {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if got := q.Next(); got != nil {
		t.Fatalf("Next() on empty queue = %v, want nil", got)
	}
	if !q.IsEmpty() {
		t.Fatal("queue should be empty after draining")
	}
}

func TestQueueAddUserFront(t *testing.T) {
	q := NewMusicQueue()
	songs := makeSongs("user", 3)
	q.AddUser(songs[0])
	q.AddUser(songs[1])
	q.AddUserFront(songs[2])

	if got := q.Next(); got != songs[2] {
		t.Fatalf("Next() = %v, want front-pushed song %v", got, songs[2])
	}
	if got := q.Next(); got != songs[0] {
		t.Fatalf("Next() = %v, want %v", got, songs[0])
	}
}

func TestQueueUpcomingDoesNotConsume(t *testing.T) {
	q := NewMusicQueue()
	user := makeSongs("user", 2)
	auto := makeSongs("auto", 2)
	for _, s := range user {
		q.AddUser(s)
	}
	for _, s := range auto {
		q.AddAuto(s)
	}

	up := q.Upcoming(3)
	if len(up) != 3 {
		t.Fatalf("Upcoming(3) returned %d songs", len(up))
	}
	if up[0] != user[0] || up[1] != user[1] || up[2] != auto[0] {
		t.Fatal("Upcoming order must be user queue first, then auto queue")
	}
	if q.UserLen() != 2 || q.AutoLen() != 2 {
		t.Fatal("Upcoming must not consume entries")
	}
}

func TestShuffleUserLeavesAutoQueueAlone(t *testing.T) {
	q := NewMusicQueue()
	user := makeSongs("user", 30)
	auto := makeSongs("auto", 4)
	for _, s := range user {
		q.AddUser(s)
	}
	for _, s := range auto {
		q.AddAuto(s)
	}

	q.ShuffleUser()

	if q.UserLen() != len(user) {
		t.Fatalf("user queue length changed: %d", q.UserLen())
	}

	// Same multiset of songs, whatever the permutation.
	seen := make(map[string]bool, len(user))
	for _, s := range q.userQueue {
		seen[s.URL] = true
	}
	for _, s := range user {
		if !seen[s.URL] {
			t.Fatalf("song %s lost by shuffle", s.URL)
		}
	}

	for i, s := range q.autoQueue {
		if s != auto[i] {
			t.Fatalf("auto queue order changed at %d", i)
		}
	}
}

func TestQueueClear(t *testing.T) {
	q := NewMusicQueue()
	q.AddUser(&Song{URL: "a"})
	q.AddAuto(&Song{URL: "b"})
	q.SetCurrent(&Song{URL: "c"})
	q.SetPlaying(true, true)

	q.Clear()

	if !q.IsEmpty() || q.Current() != nil || q.IsPlaying() || q.IsPaused() {
		t.Fatal("Clear must reset queues, current song and playback flags")
	}
}

func TestClearAutoKeepsUserQueue(t *testing.T) {
	q := NewMusicQueue()
	q.AddUser(&Song{URL: "u"})
	q.AddAuto(&Song{URL: "a"})

	q.ClearAuto()

	if q.AutoLen() != 0 {
		t.Fatal("auto queue should be empty")
	}
	if q.UserLen() != 1 {
		t.Fatal("user queue must survive ClearAuto")
	}
}
