// Package direct handles plain media-file URLs: no extraction, just an
// HTTP transfer with progress. It sits at the lowest priority so the
// site-aware adapters get first refusal.
package direct

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clipfetch/clipfetch"
)

type Adapter struct {
	client *http.Client
	log    *zap.SugaredLogger
}

var _ clipfetch.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		log: zap.S().Named("direct"),
	}
}

func (a *Adapter) Name() string {
	return "direct"
}

func (a *Adapter) Probe(ctx context.Context) error {
	return nil
}

// FetchInfo issues a HEAD request and synthesizes a single-format
// description, since a bare file URL has exactly one rendition.
func (a *Adapter) FetchInfo(ctx context.Context, ref clipfetch.SourceRef) (*clipfetch.VideoInfo, error) {
	if ref.Kind != "direct" {
		return nil, clipfetch.NewError(clipfetch.KindInvalidURL, "not a direct source: %s", ref.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.URL(), nil)
	if err != nil {
		return nil, clipfetch.WrapError(clipfetch.KindInvalidURL, err, "cannot request %s", ref.URL())
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, clipfetch.Coerce(err)
	}
	resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	name := filenameFromURL(ref.URL())
	ext := strings.TrimPrefix(path.Ext(name), ".")
	audioOnly := isAudioExtension(ext)
	return &clipfetch.VideoInfo{
		ID:    ref.ID,
		Title: strings.TrimSuffix(name, path.Ext(name)),
		Formats: []clipfetch.Format{{
			ID:        "file",
			Container: ext,
			HasAudio:  true,
			HasVideo:  !audioOnly,
			MediaURL:  ref.URL(),
			Protocol:  "https",
		}},
	}, nil
}

func (a *Adapter) Acquire(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
	target := req.Ref.URL()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, clipfetch.WrapError(clipfetch.KindInvalidURL, err, "cannot request %s", target)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, clipfetch.Coerce(err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	filePath := filepath.Join(req.OutputDir, filenameFromURL(target))
	a.log.Debugw("saving file", "file", filePath, "size", resp.ContentLength)
	if err := clipfetch.SaveStream(ctx, filePath, resp.Body, resp.ContentLength, req.Progress); err != nil {
		return nil, clipfetch.Coerce(err)
	}
	return &clipfetch.Acquisition{FilePath: filePath}, nil
}

func statusError(code int) *clipfetch.Error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return clipfetch.NewError(clipfetch.KindVideoUnavailable, "file not found (HTTP %d)", code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return clipfetch.NewError(clipfetch.KindPermissionDenied, "access denied (HTTP %d)", code)
	case code == http.StatusTooManyRequests:
		return clipfetch.NewError(clipfetch.KindRateLimited, "rate limited (HTTP %d)", code)
	case code >= 500:
		return clipfetch.NewError(clipfetch.KindNetworkError, "server error (HTTP %d)", code)
	default:
		return clipfetch.NewError(clipfetch.KindUnknown, "unexpected status (HTTP %d)", code)
	}
}

func filenameFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "download.bin"
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "download.bin"
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

var audioExtensions = map[string]bool{
	"mp3":  true,
	"m4a":  true,
	"aac":  true,
	"flac": true,
	"ogg":  true,
	"opus": true,
	"wav":  true,
}

func isAudioExtension(ext string) bool {
	return audioExtensions[strings.ToLower(ext)]
}
