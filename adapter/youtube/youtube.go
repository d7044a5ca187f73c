// Package youtube is the embedded YouTube adapter. It needs no external
// binary, so it serves as the fallback when yt-dlp is not installed, at the
// cost of handling fewer edge cases than yt-dlp does.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kkdai/youtube/v2"
	"go.uber.org/zap"

	"github.com/clipfetch/clipfetch"
)

type Adapter struct {
	client youtube.Client
	log    *zap.SugaredLogger
}

var _ clipfetch.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{log: zap.S().Named("youtube")}
}

func (a *Adapter) Name() string {
	return "youtube-native"
}

// Probe always succeeds: the client is pure Go with no external dependency.
func (a *Adapter) Probe(ctx context.Context) error {
	return nil
}

func (a *Adapter) FetchInfo(ctx context.Context, ref clipfetch.SourceRef) (*clipfetch.VideoInfo, error) {
	if ref.Kind != "youtube" {
		return nil, clipfetch.NewError(clipfetch.KindInvalidURL, "not a YouTube source: %s", ref.String())
	}
	video, err := a.client.GetVideoContext(ctx, ref.URL())
	if err != nil {
		return nil, classify(err)
	}
	info := videoToInfo(video)
	if len(info.Formats) == 0 {
		return nil, clipfetch.NewError(clipfetch.KindNoFormatAvailable, "no downloadable format for %s", ref.String())
	}
	return info, nil
}

func videoToInfo(video *youtube.Video) *clipfetch.VideoInfo {
	info := &clipfetch.VideoInfo{
		ID:          video.ID,
		Title:       video.Title,
		Description: video.Description,
		Duration:    video.Duration,
		Channel:     video.Author,
	}
	if len(video.Thumbnails) > 0 {
		// Thumbnails come smallest first
		info.Thumbnail = video.Thumbnails[len(video.Thumbnails)-1].URL
	}
	for i := range video.Formats {
		f := &video.Formats[i]
		info.Formats = append(info.Formats, clipfetch.Format{
			ID:        fmt.Sprintf("%d", f.ItagNo),
			Quality:   f.QualityLabel,
			Container: containerFromMime(f.MimeType),
			Width:     f.Width,
			Height:    f.Height,
			FPS:       f.FPS,
			Bitrate:   f.Bitrate,
			HasAudio:  f.AudioChannels > 0,
			HasVideo:  strings.HasPrefix(f.MimeType, "video/"),
			MediaURL:  f.URL,
			Protocol:  "https",
		})
	}
	return info
}

func (a *Adapter) Acquire(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
	video, err := a.client.GetVideoContext(ctx, req.Ref.URL())
	if err != nil {
		return nil, classify(err)
	}
	info := videoToInfo(video)
	picked := clipfetch.PickFormat(info.Formats, req.Rule)
	if picked == nil {
		return nil, clipfetch.NewError(clipfetch.KindNoFormatAvailable,
			"no format satisfies the requested quality for %s", req.Ref.String())
	}
	var format *youtube.Format
	for i := range video.Formats {
		if fmt.Sprintf("%d", video.Formats[i].ItagNo) == picked.ID {
			format = &video.Formats[i]
			break
		}
	}
	if format == nil {
		return nil, clipfetch.NewError(clipfetch.KindNoFormatAvailable, "selected format vanished")
	}

	stream, size, err := a.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	path := filepath.Join(req.OutputDir, outputFilename(video.Title, video.ID, picked.Container))
	a.log.Debugw("saving stream", "file", path, "itag", picked.ID, "size", size)
	if err := clipfetch.SaveStream(ctx, path, stream, size, req.Progress); err != nil {
		return nil, classify(err)
	}
	return &clipfetch.Acquisition{FilePath: path}, nil
}

func containerFromMime(mimeType string) string {
	mime := strings.SplitN(mimeType, ";", 2)[0]
	parts := strings.SplitN(mime, "/", 2)
	if len(parts) != 2 {
		return "mp4"
	}
	return parts[1]
}

// outputFilename builds "Title [id].ext" with filesystem-hostile characters
// stripped from the title.
func outputFilename(title, id, ext string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, title)
	clean = strings.TrimSpace(clean)
	if clean == "" {
		clean = id
	}
	return fmt.Sprintf("%s [%s].%s", clean, id, ext)
}

// classify maps client errors to typed failures.
func classify(err error) *clipfetch.Error {
	var status *youtube.ErrPlayabiltyStatus
	if errors.As(err, &status) {
		reason := strings.ToLower(status.Reason)
		switch {
		case strings.Contains(reason, "private"):
			return clipfetch.WrapError(clipfetch.KindVideoPrivate, err, "video is private")
		case strings.Contains(reason, "age"):
			return clipfetch.WrapError(clipfetch.KindAgeRestricted, err, "video is age-restricted")
		case strings.Contains(reason, "country") || strings.Contains(reason, "region"):
			return clipfetch.WrapError(clipfetch.KindGeoBlocked, err, "video is geo-blocked")
		default:
			return clipfetch.WrapError(clipfetch.KindVideoUnavailable, err, "video is unavailable: %s", status.Reason)
		}
	}
	if errors.Is(err, youtube.ErrLoginRequired) {
		return clipfetch.WrapError(clipfetch.KindVideoPrivate, err, "video requires login")
	}
	return clipfetch.Coerce(err)
}
