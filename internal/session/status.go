package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"gridrun/internal/capability"
	"gridrun/internal/config"
)

const (
	browserStackAPI = "https://api.browserstack.com"
	sauceLabsAPI    = "https://saucelabs.com"

	// maxDebugBodySize limits the response body logged at debug level.
	maxDebugBodySize = 1024
	statusTimeout    = 10 * time.Second
)

// StatusReporter marks a remote session as passed or failed.
type StatusReporter interface {
	Update(ctx context.Context, sessionID string, passed bool) error
}

// StatusUpdater reports the final status of a session to BrowserStack or
// Sauce Labs over their REST APIs.
type StatusUpdater struct {
	provider config.Provider
	client   *http.Client
	logger   *zap.Logger
}

func NewStatusUpdater(provider config.Provider, client *http.Client, logger *zap.Logger) *StatusUpdater {
	if client == nil {
		client = &http.Client{Timeout: statusTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusUpdater{provider: provider, client: client, logger: logger}
}

// Update sends the session result. Hosts that are neither BrowserStack nor
// Sauce Labs are skipped.
func (u *StatusUpdater) Update(ctx context.Context, sessionID string, passed bool) error {
	switch {
	case capability.IsBrowserStack(u.provider.Host):
		status := "completed"
		if !passed {
			status = "error"
		}
		endpoint := u.endpoint(browserStackAPI, "automate", "sessions", sessionID+".json")
		return u.put(ctx, endpoint, map[string]string{"status": status})
	case isSauceLabs(u.provider.Host):
		endpoint := u.endpoint(sauceLabsAPI, "rest", "v1", u.provider.User, "jobs", sessionID)
		if err := u.put(ctx, endpoint, map[string]bool{"passed": passed}); err != nil {
			return err
		}
		if !passed {
			return u.put(ctx, endpoint+"/stop", struct{}{})
		}
		return nil
	default:
		u.logger.Debug("no status API for provider", zap.String("host", u.provider.Host))
		return nil
	}
}

func (u *StatusUpdater) endpoint(base string, parts ...string) string {
	if u.provider.APIURL != "" {
		base = u.provider.APIURL
	}
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(escaped, "/")
}

func (u *StatusUpdater) put(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(u.provider.User, u.provider.Key)

	start := time.Now()
	u.logger.Debug(">>> status request", zap.String("method", req.Method), zap.String("url", endpoint), zap.ByteString("body", body))
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxDebugBodySize))
	u.logger.Debug("<<< status response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		zap.ByteString("body", respBody))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("updating job status: %s returned %d", endpoint, resp.StatusCode)
	}
	return nil
}

func isSauceLabs(host string) bool {
	return strings.Contains(strings.ToLower(host), "saucelabs")
}
