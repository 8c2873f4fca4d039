// Package twitch implements the stream status probe on top of the Helix API.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"
	"golang.org/x/time/rate"

	"streambot/internal/monitor"
	logx "streambot/pkg/logx"
)

const (
	thumbWidth  = "320"
	thumbHeight = "180"
)

var (
	ErrNoCredentials = errors.New("twitch: client id is required")
	errNoSession     = errors.New("no app access token; session not initialized")
)

type Config struct {
	ClientID     string
	ClientSecret string
	// AppAccessToken is used as-is when ClientSecret is empty.
	AppAccessToken string

	RequestTimeout time.Duration
	RatePerSec     float64
	APIBaseURL     string // empty: Helix default
}

// Probe answers "is this channel live" with one GetStreams call, plus a
// GetGames lookup for the category when it is. It never retries.
type Probe struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	lim  *rate.Limiter

	mu    sync.RWMutex
	token string

	gmu   sync.Mutex
	games map[string]string // game id -> name
}

var _ monitor.Probe = (*Probe)(nil)

func New(cfg Config, httpClient *http.Client, log logx.Logger) (*Probe, error) {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.ClientID == "" {
		return nil, ErrNoCredentials
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Probe{
		cfg:   cfg,
		log:   log,
		http:  httpClient,
		lim:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		games: map[string]string{},
	}, nil
}

// client builds a Helix client bound to ctx. Helix clients carry their context,
// so each call gets a fresh one; construction does no I/O.
func (p *Probe) client(ctx context.Context) (*helix.Client, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	return helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:       p.cfg.ClientID,
		ClientSecret:   p.cfg.ClientSecret,
		AppAccessToken: token,
		HTTPClient:     p.http,
		APIBaseURL:     p.cfg.APIBaseURL,
	})
}

// InitSession obtains a fresh app access token with the client credentials
// grant. Without a client secret the configured static token is used.
func (p *Probe) InitSession(ctx context.Context) error {
	if strings.TrimSpace(p.cfg.ClientSecret) == "" {
		if p.cfg.AppAccessToken == "" {
			return errors.New("twitch: client secret or app access token required")
		}
		p.setToken(p.cfg.AppAccessToken)
		return nil
	}
	if err := p.lim.Wait(ctx); err != nil {
		return err
	}
	c, err := p.client(ctx)
	if err != nil {
		return fmt.Errorf("helix: NewClient: %w", err)
	}
	resp, err := c.RequestAppAccessToken([]string{})
	if err != nil {
		return fmt.Errorf("helix: RequestAppAccessToken: %w", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Data.AccessToken == "" {
		return fmt.Errorf("helix: RequestAppAccessToken failed (%d: %s) %s",
			resp.StatusCode, resp.Error, resp.ErrorMessage)
	}
	p.setToken(resp.Data.AccessToken)
	p.log.Info("twitch session ready", logx.Int("expires_in", resp.Data.ExpiresIn))
	return nil
}

func (p *Probe) setToken(tok string) {
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
}

func (p *Probe) hasSession() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != ""
}

func (p *Probe) Probe(ctx context.Context, channel string) (monitor.LiveStatus, error) {
	fail := func(kind monitor.ErrorKind, err error) (monitor.LiveStatus, error) {
		return monitor.LiveStatus{}, &monitor.ProbeError{Channel: channel, Kind: kind, Err: err}
	}
	if !p.hasSession() {
		return fail(monitor.KindAuth, errNoSession)
	}
	if err := p.lim.Wait(ctx); err != nil {
		return fail(monitor.KindNetwork, err)
	}
	c, err := p.client(ctx)
	if err != nil {
		return fail(monitor.KindAuth, err)
	}

	resp, err := c.GetStreams(&helix.StreamsParams{UserLogins: []string{channel}, First: 1})
	if err != nil {
		return fail(classifyCallErr(err), fmt.Errorf("helix: GetStreams: %w", err))
	}
	if kind, ok := classifyStatus(resp.StatusCode); !ok {
		if kind == monitor.KindAuth {
			// Force a fresh token on the next InitSession.
			p.setToken("")
		}
		return fail(kind, fmt.Errorf("helix: GetStreams failed (%d: %s) %s",
			resp.StatusCode, resp.Error, resp.ErrorMessage))
	}
	if len(resp.Data.Streams) == 0 {
		return monitor.Offline, nil
	}

	s := resp.Data.Streams[0]
	if s.Type != "" && s.Type != "live" {
		return monitor.Offline, nil
	}
	return monitor.LiveStatus{
		Live:         true,
		Title:        s.Title,
		Category:     p.category(ctx, c, s.GameID, s.GameName),
		ViewerCount:  s.ViewerCount,
		ThumbnailURL: ThumbnailURL(s.ThumbnailURL),
		StartedAt:    s.StartedAt,
	}, nil
}

// category resolves a game id to its name. Any failure falls back to the name
// embedded in the stream, then to monitor.UnknownCategory.
func (p *Probe) category(ctx context.Context, c *helix.Client, id, embedded string) string {
	fallback := strings.TrimSpace(embedded)
	if fallback == "" {
		fallback = monitor.UnknownCategory
	}
	if id == "" {
		return fallback
	}

	p.gmu.Lock()
	name, ok := p.games[id]
	p.gmu.Unlock()
	if ok {
		return name
	}

	if err := p.lim.Wait(ctx); err != nil {
		return fallback
	}
	resp, err := c.GetGames(&helix.GamesParams{IDs: []string{id}})
	if err != nil || resp.StatusCode != http.StatusOK || len(resp.Data.Games) == 0 || resp.Data.Games[0].Name == "" {
		p.log.Debug("category lookup failed", logx.String("game_id", id), logx.Err(err))
		return fallback
	}
	name = resp.Data.Games[0].Name

	p.gmu.Lock()
	p.games[id] = name
	p.gmu.Unlock()
	return name
}

// classifyStatus maps an HTTP status to a probe error kind; ok is true for 200.
func classifyStatus(code int) (kind monitor.ErrorKind, ok bool) {
	switch {
	case code == http.StatusOK:
		return 0, true
	case code == http.StatusUnauthorized:
		return monitor.KindAuth, false
	case code == http.StatusTooManyRequests:
		return monitor.KindRateLimited, false
	case code >= 500 || code == 0:
		return monitor.KindNetwork, false
	default:
		return monitor.KindMalformed, false
	}
}

// classifyCallErr tells decode failures apart from transport failures. Helix
// flattens both into plain strings.
func classifyCallErr(err error) monitor.ErrorKind {
	if strings.Contains(strings.ToLower(err.Error()), "decode") {
		return monitor.KindMalformed
	}
	return monitor.KindNetwork
}

// ThumbnailURL fills the {width}x{height} template Twitch returns.
func ThumbnailURL(tmpl string) string {
	r := strings.NewReplacer("{width}", thumbWidth, "{height}", thumbHeight)
	return r.Replace(tmpl)
}
