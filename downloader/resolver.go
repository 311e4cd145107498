package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
	"github.com/Johnny-Darko/WabbaDownloader/utils"
)

// generatePath is the mod service endpoint that exchanges hosting
// coordinates for a direct download URL.
const generatePath = "/Core/Libs/Common/Managers/Downloads?GenerateDownloadUrl"

// defaultLinkTTL is how long a resolved link is trusted before the
// coordinator re-resolves it. The service expires links server-side; this
// is a conservative local bound.
const defaultLinkTTL = 5 * time.Minute

// NexusResolver resolves manifest entries into direct links by calling the
// mod service's download-url endpoint with the session cookies.
type NexusResolver struct {
	client  *utils.HTTPClient
	baseURL string
	linkTTL time.Duration
	logger  *logrus.Logger
}

// NewNexusResolver builds a resolver against baseURL (scheme and host, no
// trailing slash).
func NewNexusResolver(client *utils.HTTPClient, baseURL string, logger *logrus.Logger) *NexusResolver {
	return &NexusResolver{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		linkTTL: defaultLinkTTL,
		logger:  logger,
	}
}

type generateResponse struct {
	URL string `json:"url"`
}

// Resolve exchanges entry's hosting coordinates for a short-lived direct
// link. It fails fast without touching the network when the session is not
// ready.
func (r *NexusResolver) Resolve(ctx context.Context, entry internal.ManifestEntry, session internal.Session) (*internal.DirectLink, error) {
	if !session.Ready {
		return nil, internal.NewError(internal.ErrNotAuthenticated, "session not ready")
	}

	form := url.Values{}
	form.Set("fid", strconv.FormatInt(entry.FileID, 10))
	form.Set("game", entry.GameName)
	body := form.Encode()

	resp, err := r.client.DoWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, r.baseURL+generatePath, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		for _, c := range session.Cookies {
			req.AddCookie(c)
		}
		return req, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, internal.WrapError(internal.ErrTransientNetwork, err, "request download url for %s", entry.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, r.statusError(resp, entry)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, internal.WrapError(internal.ErrTransientNetwork, err, "decode download url response for %s", entry.ID)
	}
	if decoded.URL == "" {
		return nil, internal.NewError(internal.ErrTransientNetwork, "service returned no download url for %s", entry.ID)
	}

	if err := r.probe(ctx, decoded.URL, session); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"entry": entry.ID,
		"file":  entry.DisplayName,
	}).Debug("resolved direct link")

	return &internal.DirectLink{
		URL:       decoded.URL,
		ExpiresAt: time.Now().Add(r.linkTTL),
	}, nil
}

// probe issues a HEAD request against the direct link so a dead link is
// caught before any bytes are staged.
func (r *NexusResolver) probe(ctx context.Context, directURL string, session internal.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, directURL, nil)
	if err != nil {
		return internal.WrapError(internal.ErrTransientNetwork, err, "build link probe")
	}
	for _, c := range session.Cookies {
		req.AddCookie(c)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return internal.WrapError(internal.ErrTransientNetwork, err, "probe direct link")
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return internal.NewError(internal.ErrEntryNotFound, "direct link is gone: HTTP %d", resp.StatusCode)
	default:
		return internal.NewError(internal.ErrTransientNetwork, "direct link probe failed: HTTP %d", resp.StatusCode)
	}
}

func (r *NexusResolver) statusError(resp *http.Response, entry internal.ManifestEntry) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return internal.NewError(internal.ErrNotAuthenticated, "service rejected session: HTTP %d", resp.StatusCode)
	case http.StatusNotFound, http.StatusGone:
		return internal.NewError(internal.ErrEntryNotFound, "%s no longer hosted: HTTP %d", entry.ID, resp.StatusCode)
	case http.StatusTooManyRequests:
		return &internal.DownloadError{
			Kind:       internal.ErrRateLimited,
			Message:    fmt.Sprintf("rate limited resolving %s", entry.ID),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return internal.NewError(internal.ErrTransientNetwork, "unexpected response resolving %s: HTTP %d", entry.ID, resp.StatusCode)
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
