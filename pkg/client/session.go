// Package client keeps a portal token alive on the calling side: it resolves
// the current token from its carriers, refreshes it while the user is active,
// and attaches it to outbound requests through Transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"portal/internal/token"
)

const (
	LoginPath   = "/login"
	RefreshPath = "/auth/refresh"

	DefaultRefreshInterval = 5 * time.Minute
	DefaultActivityWindow  = 30 * time.Minute

	maxRefreshBody = 64 << 10
)

// EventType is a user interaction that counts as activity.
type EventType string

const (
	EventPointerDown EventType = "pointerdown"
	EventPointerMove EventType = "pointermove"
	EventKeyPress    EventType = "keypress"
	EventScroll      EventType = "scroll"
	EventTouchStart  EventType = "touchstart"
	EventClick       EventType = "click"
)

var activityEvents = map[EventType]struct{}{
	EventPointerDown: {},
	EventPointerMove: {},
	EventKeyPress:    {},
	EventScroll:      {},
	EventTouchStart:  {},
	EventClick:       {},
}

// Navigator is the application shell's view of the current location.
type Navigator interface {
	Location() string
	Redirect(path string)
}

type Config struct {
	// BaseURL is the portal origin, e.g. https://portal.example.com.
	BaseURL string
	Storage Storage
	// Jar holds the token cookie. It is optional.
	Jar       http.CookieJar
	Navigator Navigator
	// Transport is the underlying round tripper. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper

	RefreshInterval time.Duration
	ActivityWindow  time.Duration
	RefreshWindow   time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Session owns every piece of client-side token state. Create one per
// application shell with New, call Init once it is ready and Teardown when it
// goes away.
type Session struct {
	cfg        Config
	baseURL    *url.URL
	refreshURL string

	storage  Storage
	memory   *TokenCell
	resolver *Resolver
	logger   *slog.Logger
	now      func() time.Time

	lastActivity atomic.Int64
	tracking     atomic.Bool

	timerMu     sync.Mutex
	timerCancel context.CancelFunc
	timerDone   chan struct{}

	refreshGroup singleflight.Group

	client *http.Client
}

func New(cfg Config) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", cfg.BaseURL)
	}

	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = DefaultActivityWindow
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = token.DefaultRefreshWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Session{
		cfg:        cfg,
		baseURL:    base,
		refreshURL: base.String() + RefreshPath,
		storage:    cfg.Storage,
		memory:     &TokenCell{},
		logger:     cfg.Logger,
		now:        cfg.Clock,
	}

	providers := []Provider{StorageProvider(s.storage, s.logger), MemoryProvider(s.memory)}
	if cfg.Jar != nil {
		providers = append(providers, CookieProvider(JarCookies(cfg.Jar, base)))
	}
	s.resolver = NewResolver(providers...)
	s.lastActivity.Store(s.now().UnixMilli())
	s.client = &http.Client{Transport: &Transport{session: s, base: cfg.Transport}, Jar: cfg.Jar}

	return s, nil
}

// Init turns on activity tracking and, when a token is already present,
// starts the refresh timer. The timer stops when ctx is done or on Teardown.
func (s *Session) Init(ctx context.Context) {
	if s.tracking.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "activity tracking enabled")
	}

	if _, provider, ok := s.resolver.Resolve(ctx); ok {
		s.logger.DebugContext(ctx, "token resolved", "provider", provider)
		s.StartRefreshTimer(ctx)
	}
}

func (s *Session) Teardown() {
	s.stopTimer()
	s.tracking.Store(false)
}

// Memory is the in-process token holder, the second carrier after storage.
func (s *Session) Memory() *TokenCell {
	return s.memory
}

// SetToken persists raw as the current token and leaves guest mode.
func (s *Session) SetToken(ctx context.Context, raw string) error {
	if !token.IsValidShape(raw) {
		return token.ErrMalformed
	}
	if err := s.storage.Set(ctx, KeyToken, raw); err != nil {
		return err
	}
	return s.storage.Delete(ctx, KeyUserType)
}

func (s *Session) SetGuest(ctx context.Context) error {
	return s.storage.Set(ctx, KeyUserType, UserTypeGuest)
}

// StartRefreshTimer replaces any running timer with a new one.
func (s *Session) StartRefreshTimer(ctx context.Context) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.stopTimerLocked()

	timerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.timerCancel = cancel
	s.timerDone = done

	go s.runTimer(timerCtx, done)
}

func (s *Session) runTimer(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.recentlyActive() {
				continue
			}
			s.RefreshIfNeeded(ctx)
		}
	}
}

func (s *Session) stopTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.stopTimerLocked()
}

func (s *Session) stopTimerLocked() {
	if s.timerCancel == nil {
		return
	}
	s.timerCancel()
	<-s.timerDone
	s.timerCancel, s.timerDone = nil, nil
}

func (s *Session) timerRunning() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.timerCancel != nil
}

// RecordActivity notes a user interaction. Unknown event types and events
// arriving before Init are ignored.
func (s *Session) RecordActivity(event EventType) {
	if !s.tracking.Load() {
		return
	}
	if _, ok := activityEvents[event]; !ok {
		return
	}
	s.lastActivity.Store(s.now().UnixMilli())
}

func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

func (s *Session) recentlyActive() bool {
	return s.now().Sub(s.LastActivity()) <= s.cfg.ActivityWindow
}

// RefreshIfNeeded exchanges the current token for a new one when it is alive
// but inside the refresh window. It reports whether a new token was stored.
// Concurrent callers share one attempt; later callers re-check expiry and
// find the stored token fresh.
func (s *Session) RefreshIfNeeded(ctx context.Context) bool {
	v, _, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return s.refresh(ctx), nil
	})
	refreshed, _ := v.(bool)
	return refreshed
}

func (s *Session) refresh(ctx context.Context) bool {
	raw, _, ok := s.resolver.Resolve(ctx)
	if !ok {
		return false
	}

	now := s.now()
	if token.IsExpiredAt(raw, now) {
		return false
	}
	if !token.IsExpiringSoonAt(raw, s.cfg.RefreshWindow, now) {
		return false
	}

	fresh, err := s.exchange(ctx, raw)
	if err != nil {
		s.logger.WarnContext(ctx, "token refresh failed", "error", err)
		return false
	}

	if err := s.storage.Set(ctx, KeyToken, fresh); err != nil {
		s.logger.WarnContext(ctx, "token refresh not persisted", "error", err)
		return false
	}

	s.logger.InfoContext(ctx, "token refreshed")
	return true
}

var errBadReplacement = errors.New("refresh response token is malformed")

func (s *Session) exchange(ctx context.Context, raw string) (string, error) {
	req, err := http.NewRequestWithContext(WithInternal(ctx), http.MethodPost, s.refreshURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRefreshBody))
		return "", fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRefreshBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if !token.IsValidShape(body.Token) {
		return "", errBadReplacement
	}

	return body.Token, nil
}

// OnVisibilityChange is called by the shell when the view is shown or hidden.
func (s *Session) OnVisibilityChange(ctx context.Context, visible bool) {
	if !visible {
		return
	}

	if s.ClearExpiredToken(ctx) {
		s.redirectToLogin()
		return
	}

	s.RefreshIfNeeded(ctx)
}

// ClearExpiredToken removes expired tokens from every carrier the session
// manages and reports whether anything was removed.
func (s *Session) ClearExpiredToken(ctx context.Context) bool {
	now := s.now()
	cleared := false

	stored, ok, err := s.storage.Get(ctx, KeyToken)
	if err != nil {
		s.logger.WarnContext(ctx, "token storage lookup failed", "error", err)
	} else if ok && token.IsExpiredAt(stored, now) {
		if err := s.storage.Delete(ctx, KeyToken); err != nil {
			s.logger.WarnContext(ctx, "expired token not removed", "error", err)
		} else {
			cleared = true
		}
	}

	if held := s.memory.Get(); held != "" && token.IsExpiredAt(held, now) {
		cleared = s.memory.ClearIf(held) || cleared
	}

	if s.cfg.Jar != nil {
		if cookie, ok := TokenFromCookieString(JarCookies(s.cfg.Jar, s.baseURL)()); ok && token.IsExpiredAt(cookie, now) {
			s.cfg.Jar.SetCookies(s.baseURL, []*http.Cookie{{Name: token.CookieName, Path: "/", MaxAge: -1}})
			cleared = true
		}
	}

	if cleared {
		s.logger.InfoContext(ctx, "expired token cleared")
	}
	return cleared
}

// AuthHeaders computes the headers an outbound request should carry.
func (s *Session) AuthHeaders(ctx context.Context) http.Header {
	headers := http.Header{}

	if raw, _, ok := s.resolver.Resolve(ctx); ok && !token.IsExpiredAt(raw, s.now()) {
		headers.Set("Authorization", "Bearer "+raw)
		return headers
	}

	userType, ok, err := s.storage.Get(ctx, KeyUserType)
	if err == nil && ok && userType == UserTypeGuest {
		headers.Set(token.GuestHeader, UserTypeGuest)
	}
	return headers
}

// HTTPClient returns a client whose requests go through Transport.
func (s *Session) HTTPClient() *http.Client {
	return s.client
}

func (s *Session) handleUnauthorized(ctx context.Context) {
	s.ClearExpiredToken(ctx)
	s.redirectToLogin()
}

func (s *Session) redirectToLogin() {
	nav := s.cfg.Navigator
	if nav == nil {
		return
	}
	if path, _, _ := strings.Cut(nav.Location(), "?"); path == LoginPath {
		return
	}
	nav.Redirect(LoginPath)
}
