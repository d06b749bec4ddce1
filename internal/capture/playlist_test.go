package capture

import (
	"net/url"
	"testing"
)

func TestParsePlaylist_media(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/live/abc/index.m3u8")
	pl, err := ParsePlaylist(buildMediaPlaylist(38, 3, false), base)
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if pl.IsMaster() {
		t.Fatal("media playlist reported as master")
	}
	if pl.MediaSequence != 38 || pl.TargetDuration != 2 {
		t.Errorf("media sequence %d target duration %d", pl.MediaSequence, pl.TargetDuration)
	}
	if len(pl.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(pl.Segments))
	}
	for i, seg := range pl.Segments {
		if seg.Sequence != int64(38+i) {
			t.Errorf("segment %d sequence = %d", i, seg.Sequence)
		}
		if seg.Duration != 2.0 {
			t.Errorf("segment %d duration = %v", i, seg.Duration)
		}
	}
	if want := "https://cdn.example.com/live/abc/seg38.ts"; pl.Segments[0].URI != want {
		t.Errorf("uri = %q, want %q", pl.Segments[0].URI, want)
	}
	if pl.Ended {
		t.Error("should not be ended without #EXT-X-ENDLIST")
	}
}

func TestParsePlaylist_ended(t *testing.T) {
	pl, err := ParsePlaylist(buildMediaPlaylist(1, 1, true), nil)
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if !pl.Ended {
		t.Error("expected Ended with #EXT-X-ENDLIST")
	}
}

func TestParsePlaylist_master(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/live/master.m3u8")
	body := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nhigh/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=640000\nhttps://other.example.com/low.m3u8\n"
	pl, err := ParsePlaylist(body, base)
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if !pl.IsMaster() {
		t.Fatal("expected master playlist")
	}
	if len(pl.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %v", pl.Variants)
	}
	if pl.Variants[0] != "https://cdn.example.com/live/high/index.m3u8" {
		t.Errorf("variant 0 = %q", pl.Variants[0])
	}
	if pl.Variants[1] != "https://other.example.com/low.m3u8" {
		t.Errorf("variant 1 = %q", pl.Variants[1])
	}
}

func TestParsePlaylist_rejects_non_playlist(t *testing.T) {
	t.Run("missing_header", func(t *testing.T) {
		if _, err := ParsePlaylist("<html></html>", nil); err == nil {
			t.Error("expected error for missing #EXTM3U")
		}
	})
	t.Run("bad_duration", func(t *testing.T) {
		if _, err := ParsePlaylist("#EXTM3U\n#EXTINF:abc,\nseg.ts\n", nil); err == nil {
			t.Error("expected error for bad EXTINF")
		}
	})
}
