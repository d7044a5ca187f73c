package clipfetch

import (
	"fmt"
	"sort"
	"strings"
)

// SelectionRule expresses how an adapter should choose among available
// formats: prefer a combined audio+video stream under the height ceiling,
// else the best video-only stream merged with the best compatible audio.
// A zero MaxHeight means no ceiling.
type SelectionRule struct {
	MaxHeight  int
	AudioOnly  bool
	VideoCodec string
}

var qualityCeilings = map[string]int{
	"144":   144,
	"144p":  144,
	"240":   240,
	"240p":  240,
	"360":   360,
	"360p":  360,
	"480":   480,
	"480p":  480,
	"720":   720,
	"720p":  720,
	"1080":  1080,
	"1080p": 1080,
	"1440":  1440,
	"1440p": 1440,
	"2k":    1440,
	"2160":  2160,
	"2160p": 2160,
	"4k":    2160,
}

// ResolveQuality maps a coarse user-facing quality label to a selection
// rule. "best" (and the empty label) resolve to no ceiling; "audio" to an
// audio-only rule. Unrecognized labels return nil, in which case the caller
// should fall back to the adapter's built-in default.
func ResolveQuality(label string) *SelectionRule {
	switch l := strings.ToLower(strings.TrimSpace(label)); l {
	case "", "best":
		return &SelectionRule{}
	case "audio", "audio-only":
		return &SelectionRule{AudioOnly: true}
	default:
		if h, ok := qualityCeilings[l]; ok {
			return &SelectionRule{MaxHeight: h}
		}
		return nil
	}
}

var codecPrefixes = map[string]string{
	"h264": "avc",
	"h265": "hev",
	"vp9":  "vp9",
	"av1":  "av01",
}

// FormatSelector renders the rule as a yt-dlp -f expression. Manifest-based
// transports are excluded because their output cannot be relayed as a plain
// byte stream.
func (r *SelectionRule) FormatSelector() string {
	if r.AudioOnly {
		return "bestaudio[ext=m4a]/bestaudio/best"
	}
	vcodec := ""
	if prefix, ok := codecPrefixes[r.VideoCodec]; ok {
		vcodec = fmt.Sprintf("[vcodec^=%s]", prefix)
	}
	noManifest := "[protocol!*=m3u8][protocol!*=dash]"
	if r.MaxHeight > 0 {
		return fmt.Sprintf("bestvideo[height<=%d]%s%s+bestaudio/best[height<=%d]%s",
			r.MaxHeight, vcodec, noManifest, r.MaxHeight, noManifest)
	}
	return fmt.Sprintf("bestvideo%s%s+bestaudio/best%s", vcodec, noManifest, noManifest)
}

// PickFormat applies the rule to a concrete format list, for adapters that
// select client-side instead of passing an expression to an external tool.
// Returns nil if nothing is eligible.
func PickFormat(formats []Format, r *SelectionRule) *Format {
	if r == nil {
		r = &SelectionRule{}
	}
	eligible := make([]Format, 0, len(formats))
	for _, f := range formats {
		if f.Segmented() {
			continue
		}
		if r.AudioOnly {
			if f.HasAudio && !f.HasVideo {
				eligible = append(eligible, f)
			}
			continue
		}
		if !f.HasVideo {
			continue
		}
		if r.MaxHeight > 0 && f.Height > r.MaxHeight {
			continue
		}
		eligible = append(eligible, f)
	}
	if len(eligible) == 0 {
		return nil
	}
	// Combined streams sort ahead of video-only; within each group, highest
	// resolution first, then highest bitrate.
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Combined() != b.Combined() {
			return a.Combined()
		}
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		return a.Bitrate > b.Bitrate
	})
	return &eligible[0]
}
