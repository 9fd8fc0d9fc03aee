package maisync

import (
	"net/http"
	"time"
)

// Session is a harvested set of platform cookies for one identity.
type Session struct {
	IdentityKey string         `json:"identityKey"`
	Cookies     []*http.Cookie `json:"cookies"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// Extend returns a copy whose cookies all expire at until. The receiver is
// left untouched.
func (s Session) Extend(until time.Time) Session {
	out := Session{IdentityKey: s.IdentityKey, ExpiresAt: until}
	out.Cookies = make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c == nil {
			continue
		}
		cp := *c
		cp.Expires = until
		cp.MaxAge = 0
		cp.RawExpires = ""
		out.Cookies = append(out.Cookies, &cp)
	}
	return out
}

// Cookie returns the value of the named cookie, or "".
func (s Session) Cookie(name string) string {
	for _, c := range s.Cookies {
		if c != nil && c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Empty reports whether the session carries no cookies.
func (s Session) Empty() bool {
	return len(s.Cookies) == 0
}
