// Package ytdlp adapts the external yt-dlp binary. It is the preferred
// acquisition path: yt-dlp keeps up with extractor breakage far better than
// any native client, at the cost of depending on a binary being installed.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/clipfetch/clipfetch"
)

type Config struct {
	// Binary is the yt-dlp executable name or path.
	Binary string
}

var DefaultConfig = Config{
	Binary: "yt-dlp",
}

type Adapter struct {
	cfg Config
	log *zap.SugaredLogger
}

var _ clipfetch.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = DefaultConfig.Binary
	}
	return &Adapter{cfg: cfg, log: zap.S().Named("ytdlp")}
}

func (a *Adapter) Name() string {
	return "yt-dlp"
}

func (a *Adapter) Probe(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, a.cfg.Binary, "--version").Output()
	if err != nil {
		return fmt.Errorf("%s not usable: %w", a.cfg.Binary, err)
	}
	a.log.Debugw("probe ok", "version", strings.TrimSpace(string(out)))
	return nil
}

// ytdlpInfo is the subset of yt-dlp's --dump-json output we consume.
type ytdlpInfo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Thumbnail   string  `json:"thumbnail"`
	Duration    float64 `json:"duration"`
	Channel     string  `json:"channel"`
	ChannelID   string  `json:"channel_id"`
	UploadDate  string  `json:"upload_date"`
	IsLive      bool          `json:"is_live"`
	Formats     []ytdlpFormat `json:"formats"`
}

type ytdlpFormat struct {
	FormatID   string  `json:"format_id"`
	FormatNote string  `json:"format_note"`
	Ext        string  `json:"ext"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	TBR        float64 `json:"tbr"`
	ACodec     string  `json:"acodec"`
	VCodec     string  `json:"vcodec"`
	URL        string  `json:"url"`
	Protocol   string  `json:"protocol"`
}

func (a *Adapter) FetchInfo(ctx context.Context, ref clipfetch.SourceRef) (*clipfetch.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Binary,
		"--dump-json",
		"--no-playlist",
		"--no-warnings",
		ref.URL(),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, clipfetch.Coerce(ctx.Err())
		}
		return nil, classifyStderr(stderr.String(), err)
	}

	var raw ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, clipfetch.WrapError(clipfetch.KindUnknown, err, "unparseable metadata for %s", ref.String())
	}
	info := rawToInfo(raw)
	if len(info.Formats) == 0 {
		return nil, clipfetch.NewError(clipfetch.KindNoFormatAvailable, "no downloadable format for %s", ref.String())
	}
	return info, nil
}

func rawToInfo(raw ytdlpInfo) *clipfetch.VideoInfo {
	info := &clipfetch.VideoInfo{
		ID:          raw.ID,
		Title:       raw.Title,
		Description: raw.Description,
		Thumbnail:   raw.Thumbnail,
		Duration:    secondsToDuration(raw.Duration),
		Channel:     raw.Channel,
		ChannelID:   raw.ChannelID,
		UploadDate:  raw.UploadDate,
		IsLive:      raw.IsLive,
	}
	for _, f := range raw.Formats {
		// Storyboard/image pseudo-formats carry neither stream
		hasAudio := f.ACodec != "" && f.ACodec != "none"
		hasVideo := f.VCodec != "" && f.VCodec != "none"
		if !hasAudio && !hasVideo {
			continue
		}
		info.Formats = append(info.Formats, clipfetch.Format{
			ID:        f.FormatID,
			Quality:   f.FormatNote,
			Container: f.Ext,
			Width:     f.Width,
			Height:    f.Height,
			FPS:       int(f.FPS),
			Bitrate:   int(f.TBR * 1000),
			HasAudio:  hasAudio,
			HasVideo:  hasVideo,
			MediaURL:  f.URL,
			Protocol:  f.Protocol,
		})
	}
	return info
}

func (a *Adapter) Acquire(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
	selector := "bestvideo+bestaudio/best"
	if req.Rule != nil {
		selector = req.Rule.FormatSelector()
	}
	cmd := exec.CommandContext(ctx, a.cfg.Binary,
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--progress",
		"--no-simulate",
		"--print", "after_move:filepath",
		"-f", selector,
		"-o", filepath.Join(req.OutputDir, "%(title)s [%(id)s].%(ext)s"),
		req.Ref.URL(),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, clipfetch.Coerce(err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, clipfetch.WrapError(clipfetch.KindUnknown, err, "failed to start %s", a.cfg.Binary)
	}

	var finalPath string
	lastFraction := -1.0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if p, ok := parseProgressLine(line); ok {
			// Fraction resets when yt-dlp moves on to the next stream of a
			// merged download; suppress anything non-monotonic.
			if p.Fraction >= lastFraction {
				lastFraction = p.Fraction
				if req.Progress != nil {
					req.Progress(p)
				}
			}
			continue
		}
		if path := parseDestination(line); path != "" {
			finalPath = path
			continue
		}
		if line != "" && filepath.IsAbs(line) {
			// --print after_move:filepath emits the finished file as a bare line
			finalPath = line
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, clipfetch.WrapError(clipfetch.KindCancelled, ctx.Err(), "yt-dlp terminated")
		}
		return nil, classifyStderr(stderr.String(), err)
	}
	if finalPath == "" {
		return nil, clipfetch.NewError(clipfetch.KindUnknown, "yt-dlp finished without reporting an output file")
	}
	return &clipfetch.Acquisition{FilePath: finalPath}, nil
}

// classifyStderr maps yt-dlp's error output to a typed failure. The match
// phrases come from yt-dlp extractor messages and are deliberately loose;
// anything unrecognized stays UNKNOWN_ERROR with the raw tail attached.
func classifyStderr(stderr string, cause error) *clipfetch.Error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "private video") || strings.Contains(lower, "this video is private"):
		return clipfetch.WrapError(clipfetch.KindVideoPrivate, cause, "video is private")
	case strings.Contains(lower, "not available in your country") || strings.Contains(lower, "geo restrict"):
		return clipfetch.WrapError(clipfetch.KindGeoBlocked, cause, "video is geo-blocked")
	case strings.Contains(lower, "confirm your age") || strings.Contains(lower, "age-restricted"):
		return clipfetch.WrapError(clipfetch.KindAgeRestricted, cause, "video is age-restricted")
	case strings.Contains(lower, "video unavailable") || strings.Contains(lower, "has been removed"):
		return clipfetch.WrapError(clipfetch.KindVideoUnavailable, cause, "video is unavailable")
	case strings.Contains(lower, "http error 429") || strings.Contains(lower, "too many requests"):
		return clipfetch.WrapError(clipfetch.KindRateLimited, cause, "rate limited by upstream")
	case strings.Contains(lower, "requested format is not available"):
		return clipfetch.WrapError(clipfetch.KindNoFormatAvailable, cause, "requested format is not available")
	case strings.Contains(lower, "is not a valid url") || strings.Contains(lower, "unsupported url"):
		return clipfetch.WrapError(clipfetch.KindInvalidURL, cause, "unsupported or invalid URL")
	case strings.Contains(lower, "no space left"):
		return clipfetch.WrapError(clipfetch.KindDiskSpace, cause, "no space left on device")
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return clipfetch.WrapError(clipfetch.KindTimeout, cause, "network timeout")
	case strings.Contains(lower, "unable to download") || strings.Contains(lower, "connection"):
		return clipfetch.WrapError(clipfetch.KindNetworkError, cause, "network error")
	default:
		tail := strings.TrimSpace(stderr)
		if len(tail) > 200 {
			tail = tail[len(tail)-200:]
		}
		return clipfetch.WrapError(clipfetch.KindUnknown, cause, "yt-dlp failed: %s", tail)
	}
}
