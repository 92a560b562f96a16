// Package ratelimit provides a sliding-window message limiter with temporary
// bans, keyed by client address.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults: 60 messages per 5 s window, 30 s ban once exceeded.
const (
	DefaultWindow = 5 * time.Second
	DefaultLimit  = 60
	DefaultBan    = 30 * time.Second
)

type window struct {
	hits []time.Time
}

// Limiter tracks per-key message rates.
type Limiter struct {
	mu          sync.Mutex
	wins        map[string]*window
	bannedUntil map[string]time.Time

	window time.Duration
	limit  int
	ban    time.Duration
	now    func() time.Time
}

// New builds a limiter; zero values take the defaults.
func New(win time.Duration, limit int, ban time.Duration) *Limiter {
	if win == 0 {
		win = DefaultWindow
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if ban == 0 {
		ban = DefaultBan
	}
	return &Limiter{
		wins:        make(map[string]*window),
		bannedUntil: make(map[string]time.Time),
		window:      win,
		limit:       limit,
		ban:         ban,
		now:         time.Now,
	}
}

// Allow records one event for key and reports whether it is within the rate.
// Crossing the limit starts a ban and clears the window.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if until, ok := l.bannedUntil[key]; ok {
		if now.Before(until) {
			return false
		}
		delete(l.bannedUntil, key)
	}

	w := l.wins[key]
	if w == nil {
		w = &window{}
		l.wins[key] = w
	}
	w.hits = append(w.hits, now)

	// Evict hits older than the window.
	cut := 0
	for cut < len(w.hits) && now.Sub(w.hits[cut]) > l.window {
		cut++
	}
	w.hits = w.hits[cut:]

	if len(w.hits) > l.limit {
		l.bannedUntil[key] = now.Add(l.ban)
		w.hits = nil
		return false
	}
	return true
}

// Banned reports whether key is currently banned.
func (l *Limiter) Banned(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.bannedUntil[key])
}

// Forget clears window state for key; bans persist until they lapse.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.wins, key)
}
