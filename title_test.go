package main

import "testing"

func TestExtractArtistSong(t *testing.T) {
	tests := []struct {
		title      string
		wantFirst  string
		wantSecond string
	}{
		{"Daft Punk - One More Time", "Daft Punk", "One More Time"},
		{"Madeon | All My Friends", "Madeon", "All My Friends"},
		{"Halo by Beyonce", "Halo", "Beyonce"},
		{"Halo BY Beyonce", "Halo", "Beyonce"},
		{"Resonance (Home)", "Resonance", "Home"},
		{"Just A Plain Title", "Just A Plain Title", ""},
		// The dash pattern outranks the pipe pattern: first match wins.
		{"A - B | C", "A", "B | C"},
		{"  Trimmed - Spaces  ", "Trimmed", "Spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			first, second := ExtractArtistSong(tt.title)
			if first != tt.wantFirst || second != tt.wantSecond {
				t.Errorf("ExtractArtistSong(%q) = (%q, %q), want (%q, %q)",
					tt.title, first, second, tt.wantFirst, tt.wantSecond)
			}
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Song Name (Official Video) [HD]", "song name"},
		{"SONG NAME official lyrics", "song name"},
		{"Track {Live} audio remix", "track"},
		{"Plain words here", "plain words here"},
		{"  spaced   out  ", "spaced out"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeTitle(tt.in); got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSimilar(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Song Title (Official Video)", "Song Title", true},
		{"song title", "Song Title [HD]", true},
		{"Song Title", "Song Title Extended Club Edition Ultra Rare Version", false},
		{"Completely Different", "Another Thing Entirely", false},
		{"", "Something", false},
		{"(Official Video)", "Something", false},
		{"Same Song", "Same Song", true},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			if got := IsSimilar(tt.a, tt.b); got != tt.want {
				t.Errorf("IsSimilar(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
