package clipfetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveQuality(t *testing.T) {
	assert.Equal(t, &SelectionRule{}, ResolveQuality(""))
	assert.Equal(t, &SelectionRule{}, ResolveQuality("best"))
	assert.Equal(t, &SelectionRule{AudioOnly: true}, ResolveQuality("audio"))
	assert.Equal(t, &SelectionRule{MaxHeight: 720}, ResolveQuality("720"))
	assert.Equal(t, &SelectionRule{MaxHeight: 720}, ResolveQuality("720p"))
	assert.Equal(t, &SelectionRule{MaxHeight: 2160}, ResolveQuality("4K"))
	assert.Equal(t, &SelectionRule{MaxHeight: 1440}, ResolveQuality(" 2k "))
	assert.Nil(t, ResolveQuality("potato"))
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t,
		"bestvideo[protocol!*=m3u8][protocol!*=dash]+bestaudio/best[protocol!*=m3u8][protocol!*=dash]",
		(&SelectionRule{}).FormatSelector())
	assert.Equal(t,
		"bestvideo[height<=1080][protocol!*=m3u8][protocol!*=dash]+bestaudio/best[height<=1080][protocol!*=m3u8][protocol!*=dash]",
		(&SelectionRule{MaxHeight: 1080}).FormatSelector())
	assert.Equal(t,
		"bestaudio[ext=m4a]/bestaudio/best",
		(&SelectionRule{AudioOnly: true}).FormatSelector())
	assert.Equal(t,
		"bestvideo[height<=720][vcodec^=avc][protocol!*=m3u8][protocol!*=dash]+bestaudio/best[height<=720][protocol!*=m3u8][protocol!*=dash]",
		(&SelectionRule{MaxHeight: 720, VideoCodec: "h264"}).FormatSelector())
}

func TestPickFormat(t *testing.T) {
	formats := []Format{
		{ID: "hls", Height: 1080, HasVideo: true, HasAudio: true, Protocol: "m3u8"},
		{ID: "1080-video", Height: 1080, HasVideo: true, Bitrate: 4_000_000},
		{ID: "720-combined", Height: 720, HasVideo: true, HasAudio: true, Bitrate: 2_000_000},
		{ID: "360-combined", Height: 360, HasVideo: true, HasAudio: true, Bitrate: 700_000},
		{ID: "audio", HasAudio: true, Bitrate: 128_000},
	}

	// No ceiling: combined streams win over the taller video-only stream
	picked := PickFormat(formats, &SelectionRule{})
	require.NotNil(t, picked)
	assert.Equal(t, "720-combined", picked.ID)

	// Nil rule behaves like the default
	picked = PickFormat(formats, nil)
	require.NotNil(t, picked)
	assert.Equal(t, "720-combined", picked.ID)

	picked = PickFormat(formats, &SelectionRule{MaxHeight: 360})
	require.NotNil(t, picked)
	assert.Equal(t, "360-combined", picked.ID)

	picked = PickFormat(formats, &SelectionRule{AudioOnly: true})
	require.NotNil(t, picked)
	assert.Equal(t, "audio", picked.ID)

	// Segmented transports are never eligible
	for _, f := range formats {
		if f.ID == "hls" {
			assert.True(t, f.Segmented())
		}
	}
	picked = PickFormat([]Format{formats[0]}, &SelectionRule{})
	assert.Nil(t, picked)

	assert.Nil(t, PickFormat(nil, &SelectionRule{}))
}
