// Package relay is the local streaming intermediary: it fetches remote
// media on behalf of a restricted client, following redirects and retrying
// transient failures, while preserving HTTP range semantics so a seekable
// player works against the proxied URL. It binds to loopback only and has
// no dependency on the download orchestrator.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// Addr to bind; loopback with port 0 picks a free port.
	Addr string
	// AllowedHosts is the outbound host allow-list. A target host matches
	// an entry exactly or as a subdomain of it.
	AllowedHosts []string
	// MaxRetries bounds transient-error retries per location.
	MaxRetries int
	// RetryBackoff is the base of the linearly increasing backoff.
	RetryBackoff time.Duration
	// MaxRedirects bounds redirect chains so a misbehaving upstream
	// cannot loop the relay forever.
	MaxRedirects int
}

var DefaultConfig = Config{
	Addr: "127.0.0.1:0",
	AllowedHosts: []string{
		"googlevideo.com",
		"youtube.com",
		"ytimg.com",
	},
	MaxRetries:   3,
	RetryBackoff: 500 * time.Millisecond,
	MaxRedirects: 5,
}

// Fixed outbound headers; upstreams serve media variants based on these,
// so they stay constant across requests.
var outboundHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Accept":          "*/*",
	"Accept-Language": "en-US,en;q=0.9",
}

// Relay is the loopback HTTP service. Construct with New, then Start.
type Relay struct {
	cfg    Config
	log    *zap.SugaredLogger
	client *http.Client
	server *http.Server
	ln     net.Listener
	port   int
}

func New(cfg Config) *Relay {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig.Addr
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig.RetryBackoff
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultConfig.MaxRedirects
	}
	// Persistent outbound connections are pooled per upstream host to
	// avoid repeated handshakes; redirects are handled by the relay
	// itself, not the client.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Relay{
		cfg: cfg,
		log: zap.S().Named("relay"),
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handler returns the relay's HTTP handler, independent of the listener.
func (rl *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", rl.handleStream)
	mux.HandleFunc("/health", rl.handleHealth)
	return mux
}

// Start binds the listener and serves in the background.
func (rl *Relay) Start() error {
	ln, err := net.Listen("tcp", rl.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen failed: %w", err)
	}
	rl.ln = ln
	rl.port = ln.Addr().(*net.TCPAddr).Port
	rl.server = &http.Server{Handler: rl.Handler()}
	go func() {
		if err := rl.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			rl.log.Errorw("relay server stopped", "error", err)
		}
	}()
	rl.log.Infow("relay listening", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound port; zero before Start.
func (rl *Relay) Port() int {
	return rl.port
}

func (rl *Relay) Close(ctx context.Context) error {
	if rl.server == nil {
		return nil
	}
	return rl.server.Shutdown(ctx)
}

func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"port":   rl.port,
	})
}

func (rl *Relay) handleStream(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") {
		http.Error(w, "invalid target url", http.StatusBadRequest)
		return
	}
	if !rl.hostAllowed(target.Hostname()) {
		rl.log.Infow("blocked disallowed host", "host", target.Hostname())
		http.Error(w, "target host not allowed", http.StatusForbidden)
		return
	}
	rl.proxy(w, r, target)
}

func (rl *Relay) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range rl.cfg.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Content-Type")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
}
