// Package directory talks to the external directory store: identity
// verification, permission checks, channel lookups and the signed event
// feed.
package directory

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/domain"
)

const SignatureHeader = "X-Voice-Signature"

const (
	EventVoiceChannelEmpty = "voice_channel_empty"
)

type Config struct {
	BaseURL   string
	Secret    string
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

type Event struct {
	Type    string         `json:"event_type"`
	Payload map[string]any `json:"payload"`
}

// Identity is the trusted user behind a verified token.
type Identity struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	Avatar   string        `json:"avatar,omitempty"`
}

type Client struct {
	base    string
	secret  string
	http    *http.Client
	workers int
	events  chan Event
	dropped atomic.Uint64
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize < 32 {
		cfg.QueueSize = 32
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: cfg.Timeout},
		workers: cfg.Workers,
		events:  make(chan Event, cfg.QueueSize),
		logger:  log.With().Str("module", "adapters.directory").Logger(),
	}
}

// Sign returns the signature header value of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// post sends a signed JSON body and decodes the JSON answer into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(c.secret, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("directory %s: %w", path, domain.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("directory %s: %w", path, domain.ErrUnauthorized)
	case resp.StatusCode >= 300:
		return fmt.Errorf("directory %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// VerifyIdentity converts a client token into a trusted user.
func (c *Client) VerifyIdentity(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, fmt.Errorf("missing token: %w", domain.ErrUnauthorized)
	}
	var id Identity
	if err := c.post(ctx, "/verify-identity", map[string]string{"token": token}, &id); err != nil {
		return Identity{}, err
	}
	if id.UserID == 0 {
		return Identity{}, fmt.Errorf("identity without user id: %w", domain.ErrUnauthorized)
	}
	return id, nil
}

// Allowed implements orch.Permissions.
func (c *Client) Allowed(ctx context.Context, actor domain.UserID, server domain.ServerID, channel domain.ChannelID, action orch.Action) (bool, error) {
	in := map[string]any{
		"actor_id":   actor,
		"server_id":  server,
		"channel_id": channel,
		"action":     action,
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.post(ctx, "/permissions", in, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// Channel implements orch.Directory.
func (c *Client) Channel(ctx context.Context, id domain.ChannelID) (domain.Channel, error) {
	var ch domain.Channel
	if err := c.post(ctx, "/channel", map[string]any{"channel_id": id}, &ch); err != nil {
		return domain.Channel{}, err
	}
	return ch, nil
}

// ClearActiveVoice drops the channel's "active voice" hint once its room
// is gone.
func (c *Client) ClearActiveVoice(ch domain.ChannelID) {
	c.Emit(EventVoiceChannelEmpty, map[string]any{"channel_id": ch})
}

// Emit queues an event for the workers. A full queue drops the event; the
// control plane never waits on the directory.
func (c *Client) Emit(eventType string, payload map[string]any) bool {
	select {
	case c.events <- Event{Type: eventType, Payload: payload}:
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warn().Str("event", eventType).Msg("dropping event, queue full")
		return false
	}
}

func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) QueueLen() int { return len(c.events) }

// Start runs the event workers until ctx ends. Wait blocks until they
// have returned.
func (c *Client) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.eventWorker(ctx, id)
		}(i + 1)
	}
}

func (c *Client) Wait() { c.wg.Wait() }

func (c *Client) eventWorker(ctx context.Context, id int) {
	c.logger.Debug().Int("worker", id).Msg("event worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			// Events in flight at shutdown still get their own short deadline.
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.http.Timeout)
			if err := c.post(pctx, "/events", ev, nil); err != nil {
				c.logger.Warn().Err(err).Str("event", ev.Type).Msg("event post failed")
			}
			cancel()
		}
	}
}
