package clipfetch

import "time"

// VideoInfo is the result of metadata extraction for a single source.
// It is a value object: adapters must not retain it after returning.
type VideoInfo struct {
	ID          string
	Title       string
	Description string
	Thumbnail   string
	Duration    time.Duration
	Channel     string
	ChannelID   string
	UploadDate  string
	Formats     []Format
	IsLive      bool
	IsPrivate   bool
}

// Format describes one encoding a source is available in.
type Format struct {
	ID        string
	Quality   string
	Container string
	Width     int
	Height    int
	FPS       int
	Bitrate   int
	HasAudio  bool
	HasVideo  bool
	MediaURL  string
	Protocol  string
}

// Combined reports whether the format carries both audio and video.
func (f Format) Combined() bool {
	return f.HasAudio && f.HasVideo
}

// Segmented reports whether the format uses a manifest-based transport,
// which cannot be relayed as a single byte stream.
func (f Format) Segmented() bool {
	switch f.Protocol {
	case "m3u8", "m3u8_native", "hls", "dash", "http_dash_segments":
		return true
	}
	return false
}
