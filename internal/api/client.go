package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/observability"
)

// Client talks to the authenticated REST boundary.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Session *auth.Session
	Logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, s *auth.Session, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Session: s,
		Logger:  logger,
	}
}

// Me fetches the identity behind the current credential.
func (c *Client) Me(ctx context.Context) (auth.Identity, error) {
	var out meBody
	if err := c.do(ctx, http.MethodGet, "/api/auth", "/api/auth", nil, nil, &out); err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: out.ID, Name: out.Name}, nil
}

// Nearby fetches the presence list. pos is optional; without it the server
// uses the stored location and radius.
func (c *Client) Nearby(ctx context.Context, pos *models.Position) ([]models.PeerPresence, error) {
	var q url.Values
	if pos != nil {
		q = url.Values{}
		q.Set("lat", strconv.FormatFloat(pos.Lat, 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(pos.Lng, 'f', -1, 64))
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/auth/nearby", "/api/auth/nearby", q, nil, &raw); err != nil {
		return nil, err
	}
	peers, err := DecodePeers(raw)
	if err != nil {
		return nil, &NetworkError{Op: "GET /api/auth/nearby", Err: err}
	}
	return peers, nil
}

func (c *Client) UpdateLocation(ctx context.Context, pos models.Position) error {
	return c.do(ctx, http.MethodPut, "/api/auth/location", "/api/auth/location", nil, locationBody{Lat: pos.Lat, Lng: pos.Lng}, nil)
}

func (c *Client) SetLocationHidden(ctx context.Context, hidden bool) error {
	return c.do(ctx, http.MethodPut, "/api/auth/locationHidden", "/api/auth/locationHidden", nil, hiddenBody{LocationHidden: hidden}, nil)
}

func (c *Client) Conversation(ctx context.Context, senderID, receiverID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("senderId", senderID)
	q.Set("receiverId", receiverID)
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages", "/api/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage stores a message server-side. The server echo is returned when
// it sends one, otherwise msg itself.
func (c *Client) SendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/messages", "/api/messages", nil, msg, &raw); err != nil {
		return models.Message{}, err
	}
	if len(raw) > 0 {
		var stored models.Message
		if err := json.Unmarshal(raw, &stored); err == nil && stored.Sender != "" {
			return stored, nil
		}
	}
	return msg, nil
}

// Unread fetches the full peerId -> count map.
func (c *Client) Unread(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	if err := c.do(ctx, http.MethodGet, "/api/messages/unread", "/api/messages/unread", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	path := "/api/messages/mark-read/" + url.PathEscape(peerID)
	return c.do(ctx, http.MethodPut, "/api/messages/mark-read/:peerId", path, nil, struct{}{}, nil)
}

func (c *Client) Groups(ctx context.Context) ([]models.Group, error) {
	var out []models.Group
	if err := c.do(ctx, http.MethodGet, "/api/auth/group", "/api/auth/group", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, route, path string, q url.Values, body, out any) error {
	op := method + " " + route
	token, err := c.Session.Credential()
	if err != nil {
		return fmt.Errorf("api %s: %w", op, err)
	}

	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api %s: encode: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	observability.APIRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.APIRequestsTotal.WithLabelValues(method, route, "error").Inc()
		c.Logger.Warn("api request failed", "op", op, "error", err)
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	observability.APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusUnauthorized {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.Logger.Error("credential rejected, invalidating session", "op", op)
		c.Session.Invalidate()
		return &AuthError{Op: op, Detail: strings.TrimSpace(string(detail))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.Logger.Warn("api request rejected", "op", op, "status", resp.StatusCode)
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], b...)
		return nil
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
