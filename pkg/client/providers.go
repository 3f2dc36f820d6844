package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Provider names one place a token may live. Lookup reports ok=false when
// the place holds nothing.
type Provider struct {
	Name   string
	Lookup func(ctx context.Context) (string, bool)
}

// Resolver tries its providers in order and returns the first hit.
type Resolver struct {
	providers []Provider
}

func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{providers: providers}
}

func (r *Resolver) Resolve(ctx context.Context) (raw string, provider string, ok bool) {
	for _, p := range r.providers {
		if v, found := p.Lookup(ctx); found && v != "" {
			return v, p.Name, true
		}
	}
	return "", "", false
}

// StorageProvider reads the token from durable storage. Storage errors are
// logged and treated as a miss.
func StorageProvider(s Storage, logger *slog.Logger) Provider {
	return Provider{
		Name: "storage",
		Lookup: func(ctx context.Context) (string, bool) {
			v, ok, err := s.Get(ctx, KeyToken)
			if err != nil {
				logger.WarnContext(ctx, "token storage lookup failed", "error", err)
				return "", false
			}
			return v, ok
		},
	}
}

// TokenCell is the in-process fallback holder for a token.
type TokenCell struct {
	mu    sync.RWMutex
	value string
}

func (c *TokenCell) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *TokenCell) Set(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

// ClearIf empties the cell when it still holds v.
func (c *TokenCell) ClearIf(v string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" || c.value != v {
		return false
	}
	c.value = ""
	return true
}

func MemoryProvider(cell *TokenCell) Provider {
	return Provider{
		Name: "memory",
		Lookup: func(context.Context) (string, bool) {
			v := cell.Get()
			return v, v != ""
		},
	}
}

// CookieProvider scans a Cookie header style string ("a=1; token=x").
func CookieProvider(source func() string) Provider {
	return Provider{
		Name: "cookie",
		Lookup: func(context.Context) (string, bool) {
			return TokenFromCookieString(source())
		},
	}
}

// TokenFromCookieString returns the value of the first token= pair.
func TokenFromCookieString(raw string) (string, bool) {
	for _, pair := range strings.Split(raw, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || strings.TrimSpace(name) != KeyToken {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, true
		}
	}
	return "", false
}

// JarCookies renders the jar's cookies for u as a Cookie header string.
func JarCookies(jar http.CookieJar, u *url.URL) func() string {
	return func() string {
		cookies := jar.Cookies(u)
		parts := make([]string, 0, len(cookies))
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		return strings.Join(parts, "; ")
	}
}
