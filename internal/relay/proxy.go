package relay

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// proxy fetches the target and pipes it back, following redirects up to
// the configured bound and retrying transient failures with linearly
// increasing backoff. Retries stop once anything has been written to the
// client, since partial writes cannot be replayed.
func (rl *Relay) proxy(w http.ResponseWriter, r *http.Request, target *url.URL) {
	ctx := r.Context()
	written := false
	redirects := 0
	attempt := 0

	for {
		req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
		if err != nil {
			http.Error(w, "bad upstream request", http.StatusBadGateway)
			return
		}
		for k, v := range outboundHeaders {
			req.Header.Set(k, v)
		}
		if rng := r.Header.Get("Range"); rng != "" {
			req.Header.Set("Range", rng)
		}

		resp, err := rl.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				// Client went away; nothing to answer.
				return
			}
			if transient(err) && !written && attempt < rl.cfg.MaxRetries {
				attempt++
				rl.log.Debugw("transient upstream error, retrying",
					"target", target.Host, "attempt", attempt, "error", err)
				select {
				case <-time.After(time.Duration(attempt) * rl.cfg.RetryBackoff):
					continue
				case <-ctx.Done():
					return
				}
			}
			if !written {
				rl.log.Infow("upstream fetch failed", "target", target.Host, "error", err)
				http.Error(w, "upstream fetch failed: "+err.Error(), http.StatusBadGateway)
			}
			return
		}

		if redirectStatuses[resp.StatusCode] {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			redirects++
			if loc == "" || redirects > rl.cfg.MaxRedirects {
				http.Error(w, "too many redirects", http.StatusBadGateway)
				return
			}
			next, err := target.Parse(loc)
			if err != nil {
				http.Error(w, "invalid redirect location", http.StatusBadGateway)
				return
			}
			if !rl.hostAllowed(next.Hostname()) {
				http.Error(w, "redirect target not allowed", http.StatusForbidden)
				return
			}
			rl.log.Debugw("following redirect", "from", target.Host, "to", next.Host)
			target = next
			// Each new location gets a fresh retry budget.
			attempt = 0
			continue
		}

		rl.pipe(w, resp, &written)
		return
	}
}

// pipe forwards status, media headers and body. If the client disconnects
// mid-stream the upstream body read fails via the request context, so the
// upstream transfer is aborted rather than downloaded into the void.
func (rl *Relay) pipe(w http.ResponseWriter, resp *http.Response, written *bool) {
	defer resp.Body.Close()

	h := w.Header()
	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}
	w.WriteHeader(resp.StatusCode)
	*written = true

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				rl.log.Debugw("client disconnected mid-stream", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				rl.log.Debugw("upstream stream ended abnormally", "error", err)
			}
			return
		}
	}
}

// transient reports whether the error is a momentary network failure worth
// retrying: timeouts, resets, refusals and mid-handshake hang-ups.
func transient(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
