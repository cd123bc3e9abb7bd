// Package remote is the HTTP client for the hospital system of record. Every
// call carries the caller's bearer credential and maps failures onto the
// apperr taxonomy; a 401 is routed through the session manager so the
// caller's workspace is torn down in one place.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
)

// Config holds the connection settings.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	ServiceToken string
}

// Client talks to the system of record.
type Client struct {
	base         *url.URL
	http         *http.Client
	sessions     *session.Manager
	serviceToken string
	logger       zerolog.Logger
}

func New(cfg Config, sessions *session.Manager, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		base: base,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		sessions:     sessions,
		serviceToken: cfg.ServiceToken,
		logger:       logger.With().Str("component", "remote").Logger(),
	}, nil
}

// credential returns the caller's credential, or the service credential
// for calls made outside any operator session.
func (c *Client) credential(ctx context.Context) (session.Credential, error) {
	cred, err := c.sessions.Authorize(ctx)
	if err == nil {
		return cred, nil
	}
	if _, ok := session.FromContext(ctx); !ok && c.serviceToken != "" {
		return session.Credential{Token: c.serviceToken, Subject: "service"}, nil
	}
	return session.Credential{}, err
}

// call describes one request. route is the path pattern used for metrics.
type call struct {
	method string
	route  string
	path   string
	query  url.Values
	body   interface{}
	out    interface{}
}

func (c *Client) do(ctx context.Context, rc call) error {
	cred, err := c.credential(ctx)
	if err != nil {
		return err
	}

	u := *c.base
	u.Path = c.base.Path + rc.path
	if len(rc.query) > 0 {
		u.RawQuery = rc.query.Encode()
	}

	var body io.Reader
	if rc.body != nil {
		b, err := json.Marshal(rc.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", rc.method, rc.route, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, rc.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", rc.method, rc.route, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", cred.Header())
	if rc.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.RecordRemoteCall(rc.method, rc.route, "network", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		err := c.statusError(cred, resp.StatusCode, detail(b))
		telemetry.RecordRemoteCall(rc.method, rc.route, string(apperr.KindOf(err)), time.Since(start))
		c.logger.Debug().
			Str("method", rc.method).
			Str("route", rc.route).
			Int("status", resp.StatusCode).
			Err(err).
			Msg("remote call failed")
		return err
	}
	telemetry.RecordRemoteCall(rc.method, rc.route, "ok", time.Since(start))

	if rc.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(rc.out); err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("decode %s %s: %w", rc.method, rc.route, err)
		// A 2xx to a write means it was applied; repeating it is not safe.
		if rc.method != http.MethodGet {
			return apperr.ErrUnconfirmed.With("the system of record accepted the request but its answer was unreadable", err)
		}
		return apperr.Transient(err)
	}
	return nil
}

// conflictPhrases mark 400 and 500 responses that actually report a state
// conflict.
var conflictPhrases = []string{"not available", "slot taken", "not occupied", "already"}

func hasConflictPhrase(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range conflictPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// wrappedStatus splits "400: Bed is not available" into its 4xx status and
// detail.
func wrappedStatus(msg string) (int, string, bool) {
	code, rest, ok := strings.Cut(msg, ":")
	if !ok || len(code) != 3 {
		return 0, "", false
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 400 || n > 499 {
		return 0, "", false
	}
	return n, strings.TrimSpace(rest), true
}

func (c *Client) statusError(cred session.Credential, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("remote status %d: %s", status, msg)
	switch {
	case status == http.StatusUnauthorized:
		return c.sessions.Unauthorized(cred, cause)
	case status == http.StatusForbidden:
		return apperr.ErrForbidden.With(msg, cause)
	case status == http.StatusNotFound:
		return apperr.ErrNotFound.With(msg, cause)
	case status == http.StatusConflict:
		return apperr.ErrConflict.With(msg, cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if hasConflictPhrase(msg) {
			return apperr.ErrConflict.With(msg, cause)
		}
		return apperr.ErrValidation.With(msg, cause)
	case status >= 500:
		// The backend wraps its own HTTPExceptions as 500 "400: <detail>".
		if inner, rest, ok := wrappedStatus(msg); ok && inner != http.StatusUnauthorized {
			return c.statusError(cred, inner, rest)
		}
		if hasConflictPhrase(msg) {
			return apperr.ErrConflict.With(msg, cause)
		}
		return apperr.Transient(cause)
	case status == http.StatusTooManyRequests:
		return apperr.Transient(cause)
	default:
		return fmt.Errorf("unexpected remote response: %w", cause)
	}
}

// detail extracts the message of an error body. The system of record
// answers {"detail": "..."}; validation failures carry a list instead.
func detail(b []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return strings.TrimSpace(string(b))
	}
	if len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		var list []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(body.Detail, &list) == nil && len(list) > 0 {
			msgs := make([]string, 0, len(list))
			for _, d := range list {
				msgs = append(msgs, d.Msg)
			}
			return strings.Join(msgs, "; ")
		}
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
