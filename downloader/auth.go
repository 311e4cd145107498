package downloader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

// AuthBridge holds the login state observed from an external browser
// session. The bridge starts not-ready; the first NotifyLoginObserved call
// flips it to ready and wakes everything blocked in AwaitReady. Later calls
// refresh the cookies in place.
//
// The bridge never performs authentication itself and a rejected request
// never flips it back to not-ready.
type AuthBridge struct {
	mu      sync.RWMutex
	session internal.Session
	readyCh chan struct{}
}

// NewAuthBridge returns a bridge in the not-ready state.
func NewAuthBridge() *AuthBridge {
	return &AuthBridge{readyCh: make(chan struct{})}
}

// NotifyLoginObserved installs a fresh cookie snapshot and marks the
// session ready.
func (b *AuthBridge) NotifyLoginObserved(cookies []*http.Cookie) {
	copied := make([]*http.Cookie, len(cookies))
	for i, c := range cookies {
		dup := *c
		copied[i] = &dup
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	wasReady := b.session.Ready
	b.session = internal.Session{Cookies: copied, Ready: true}
	if !wasReady {
		close(b.readyCh)
	}
}

// Session returns an immutable snapshot of the current login state.
func (b *AuthBridge) Session() internal.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cookies := make([]*http.Cookie, len(b.session.Cookies))
	copy(cookies, b.session.Cookies)
	return internal.Session{Cookies: cookies, Ready: b.session.Ready}
}

// AwaitReady blocks until the session becomes ready or ctx is done.
// Returns immediately when already ready.
func (b *AuthBridge) AwaitReady(ctx context.Context) error {
	b.mu.RLock()
	ready := b.session.Ready
	ch := b.readyCh
	b.mu.RUnlock()
	if ready {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadCookieFile reads browser cookies from path. Both the Netscape
// cookies.txt format and a flat JSON object of name/value pairs are
// accepted.
func LoadCookieFile(path string) ([]*http.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return parseJSONCookies(data)
	}
	return parseNetscapeCookies(trimmed)
}

func parseJSONCookies(data []byte) ([]*http.Cookie, error) {
	var pairs map[string]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("parse json cookie file: %w", err)
	}
	cookies := make([]*http.Cookie, 0, len(pairs))
	for name, value := range pairs {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("cookie file contains no cookies")
	}
	return cookies, nil
}

func parseNetscapeCookies(content string) ([]*http.Cookie, error) {
	var cookies []*http.Cookie
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// domain, include-subdomains flag, path, secure, expiry, name, value
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Name:   fields[5],
			Value:  fields[6],
			Domain: fields[0],
			Path:   fields[2],
			Secure: strings.EqualFold(fields[3], "TRUE"),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan cookie file: %w", err)
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("cookie file contains no cookies")
	}
	return cookies, nil
}
