package direct

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipfetch/clipfetch"
)

func refFor(t *testing.T, rawURL string) clipfetch.SourceRef {
	t.Helper()
	ref, err := clipfetch.ParseLocator(rawURL)
	require.NoError(t, err)
	require.Equal(t, "direct", ref.Kind)
	return ref
}

func TestFetchInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Type", "video/mp4")
	}))
	defer server.Close()

	a := New()
	info, err := a.FetchInfo(context.Background(), refFor(t, server.URL+"/clips/holiday.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "holiday", info.Title)
	require.Len(t, info.Formats, 1)
	f := info.Formats[0]
	assert.Equal(t, "mp4", f.Container)
	assert.True(t, f.Combined())
	assert.False(t, f.Segmented())
}

func TestFetchInfoAudioExtension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	a := New()
	info, err := a.FetchInfo(context.Background(), refFor(t, server.URL+"/music/track.mp3"))
	require.NoError(t, err)
	require.Len(t, info.Formats, 1)
	assert.True(t, info.Formats[0].HasAudio)
	assert.False(t, info.Formats[0].HasVideo)
}

func TestFetchInfoStatusErrors(t *testing.T) {
	for status, kind := range map[int]clipfetch.ErrorKind{
		http.StatusNotFound:            clipfetch.KindVideoUnavailable,
		http.StatusForbidden:           clipfetch.KindPermissionDenied,
		http.StatusTooManyRequests:     clipfetch.KindRateLimited,
		http.StatusInternalServerError: clipfetch.KindNetworkError,
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		a := New()
		_, err := a.FetchInfo(context.Background(), refFor(t, server.URL+"/x.mp4"))
		require.Error(t, err)
		assert.Equal(t, kind, clipfetch.KindOf(err), "status %d", status)
		server.Close()
	}
}

func TestAcquire(t *testing.T) {
	payload := []byte("not really an mp4 but close enough")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	outputDir := t.TempDir()
	var last clipfetch.Progress
	a := New()
	result, err := a.Acquire(context.Background(), clipfetch.AcquireRequest{
		Ref:       refFor(t, server.URL+"/clips/holiday.mp4"),
		OutputDir: outputDir,
		Progress:  func(p clipfetch.Progress) { last = p },
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "holiday.mp4"), result.FilePath)

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), last.Bytes)
	assert.Equal(t, 1.0, last.Fraction)

	// No temporary artifact remains
	_, err = os.Stat(result.FilePath + ".part")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAcquireCancelledLeavesNoArtifact(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	outputDir := t.TempDir()
	a := New()

	done := make(chan error, 1)
	go func() {
		_, err := a.Acquire(ctx, clipfetch.AcquireRequest{
			Ref:       refFor(t, server.URL+"/big.mp4"),
			OutputDir: outputDir,
			Progress:  func(clipfetch.Progress) { cancel() },
		})
		done <- err
	}()

	err := <-done
	require.Error(t, err)
	assert.Equal(t, clipfetch.KindCancelled, clipfetch.KindOf(err))

	entries, readErr := os.ReadDir(outputDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "a failed transfer must not leave artifacts")
}

func TestFilenameFromURL(t *testing.T) {
	for raw, want := range map[string]string{
		"https://example.com/clips/holiday.mp4":      "holiday.mp4",
		"https://example.com/a%20b.mp4":              "a b.mp4",
		"https://example.com/":                       "download.bin",
		"https://example.com/x.mp4?token=y#fragment": "x.mp4",
	} {
		assert.Equal(t, want, filenameFromURL(raw), raw)
	}
}
