package clipfetch

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// SourceRef is the canonical identifier extracted from a user-supplied
// locator, e.g. the video ID parsed out of a YouTube URL.
type SourceRef struct {
	// Kind of source this reference points at: "youtube" or "direct".
	Kind string
	// ID is the provider-specific identifier (video ID, or the full URL
	// for direct media).
	ID string
}

func (r SourceRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// URL returns the canonical URL for the reference. Parsing this URL again
// yields an equal SourceRef.
func (r SourceRef) URL() string {
	if r.Kind == "youtube" {
		return fmt.Sprintf("https://www.youtube.com/watch?v=%s", r.ID)
	}
	return r.ID
}

var directExtensions = map[string]struct{}{
	".flv":  {},
	".m4a":  {},
	".m4v":  {},
	".mkv":  {},
	".mp3":  {},
	".mp4":  {},
	".webm": {},
}

// ParseLocator extracts a SourceRef from a user-supplied locator string.
// Fails with an INVALID_URL error when nothing can be extracted.
//
// Recognized YouTube forms:
//	http(s?)://(www|m).youtube.com/watch?v={ID}
//	http(s?)://(www|m).youtube.com/(v|shorts|embed)/{ID}
//	http(s?)://youtu.be/{ID}
func ParseLocator(locator string) (SourceRef, error) {
	parsed, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return SourceRef{}, WrapError(KindInvalidURL, err, "cannot parse locator %q", locator)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return SourceRef{}, NewError(KindInvalidURL, "unsupported scheme %q", parsed.Scheme)
	}
	if id := extractVideoID(parsed); id != "" {
		return SourceRef{Kind: "youtube", ID: id}, nil
	}
	if _, ok := directExtensions[strings.ToLower(path.Ext(parsed.Path))]; ok {
		return SourceRef{Kind: "direct", ID: parsed.String()}, nil
	}
	return SourceRef{}, NewError(KindInvalidURL, "no source recognized in %q", locator)
}

func extractVideoID(u *url.URL) string {
	host := strings.TrimPrefix(u.Hostname(), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com":
		for _, prefix := range []string{"/v/", "/shorts/", "/embed/"} {
			if strings.HasPrefix(u.Path, prefix) {
				return strings.SplitN(strings.TrimPrefix(u.Path, prefix), "/", 2)[0]
			}
		}
		if u.Path == "/watch" || u.Path == "/details" {
			return u.Query().Get("v")
		}
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	}
	return ""
}
