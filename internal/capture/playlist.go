package capture

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Segment is a single HLS media segment resolved to an absolute URI.
type Segment struct {
	Sequence int64
	Duration float64
	URI      string
}

// Playlist is the subset of an HLS playlist the segmented engine needs.
// A master playlist has Variants and no Segments.
type Playlist struct {
	Variants       []string
	Segments       []Segment
	MediaSequence  int64
	TargetDuration int
	Ended          bool
}

// IsMaster reports whether the playlist only points at variant playlists.
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0 && len(p.Segments) == 0
}

// ParsePlaylist parses an HLS playlist body. Relative URIs are resolved
// against base. Segment sequence numbers start at #EXT-X-MEDIA-SEQUENCE.
func ParsePlaylist(body string, base *url.URL) (*Playlist, error) {
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() || strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff")) != "#EXTM3U" {
		return nil, fmt.Errorf("parse playlist: missing #EXTM3U header")
	}

	p := &Playlist{}
	var (
		pendingDuration float64
		pendingSegment  bool
		pendingVariant  bool
		seq             int64
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse playlist: media sequence: %w", err)
			}
			p.MediaSequence = n
			seq = n
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("parse playlist: target duration: %w", err)
			}
			p.TargetDuration = n
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parse playlist: segment duration: %w", err)
			}
			pendingDuration = d
			pendingSegment = true
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingVariant = true
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#"):
			continue
		default:
			uri, err := resolveURI(base, line)
			if err != nil {
				return nil, err
			}
			switch {
			case pendingVariant:
				p.Variants = append(p.Variants, uri)
				pendingVariant = false
			case pendingSegment:
				p.Segments = append(p.Segments, Segment{Sequence: seq, Duration: pendingDuration, URI: uri})
				seq++
				pendingSegment = false
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parse playlist: %w", err)
	}
	return p, nil
}

func resolveURI(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse playlist: uri %q: %w", ref, err)
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
