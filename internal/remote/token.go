package remote

import (
	"net/http"
)

// TokenSource yields a bearer token, or "" when none is available.
type TokenSource interface {
	Token() string
}

// StaticToken is a stored token, the analogue of the page's local storage key.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// CookieToken reads a named cookie out of a raw Cookie header.
type CookieToken struct {
	Header string
	Name   string
}

func (c CookieToken) Token() string {
	if c.Header == "" {
		return ""
	}
	req := http.Request{Header: http.Header{"Cookie": {c.Header}}}
	cookie, err := req.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// TokenChain returns the first non-empty token of its sources, in order.
type TokenChain []TokenSource

func (c TokenChain) Token() string {
	for _, src := range c {
		if src == nil {
			continue
		}
		if tok := src.Token(); tok != "" {
			return tok
		}
	}
	return ""
}
