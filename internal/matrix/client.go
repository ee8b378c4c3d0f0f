// Package matrix is a small Matrix client-server API client covering what
// the reminder bot needs: room account data, sending messages, media
// download, joined rooms and power levels.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	appLog "icsreminder/internal/log"
	"icsreminder/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "icsreminder/1.0"
)

// Error is a standard Matrix error response.
type Error struct {
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.ErrCode, e.Status, e.Message)
}

// IsNotFound reports whether err is an M_NOT_FOUND response.
func IsNotFound(err error) bool {
	var me *Error
	return errors.As(err, &me) && (me.ErrCode == "M_NOT_FOUND" || me.Status == http.StatusNotFound)
}

// Client talks to one homeserver as one user.
type Client struct {
	http      *resty.Client
	namespace string

	mu     sync.Mutex
	userID string

	txnPrefix string
	txn       atomic.Int64
}

// New creates a client. namespace prefixes the custom fields added to
// outbound message content.
func New(homeserverURL, accessToken, namespace string) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(homeserverURL, "/")).
		SetAuthToken(accessToken).
		SetTimeout(defaultTimeout).
		SetHeader("User-Agent", userAgent).
		SetError(&Error{})

	return &Client{
		http:      hc,
		namespace: namespace,
		txnPrefix: strconv.FormatInt(time.Now().UnixNano(), 36),
	}
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("matrix: request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	if me, ok := resp.Error().(*Error); ok && me.ErrCode != "" {
		me.Status = resp.StatusCode()
		return me
	}
	return &Error{Status: resp.StatusCode(), Message: resp.Status()}
}

// UserID returns the bot's own user id, resolved once via whoami.
func (c *Client) UserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}

	var out struct {
		UserID string `json:"user_id"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/_matrix/client/v3/account/whoami")
	if err := check(resp, err); err != nil {
		return "", err
	}
	if out.UserID == "" {
		return "", errors.New("matrix: whoami returned no user_id")
	}
	c.userID = out.UserID
	return c.userID, nil
}

// JoinedRooms lists rooms the bot is currently in.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var out struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/_matrix/client/v3/joined_rooms")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.JoinedRooms, nil
}

// Get reads room account data of type key into out.
func (c *Client) Get(ctx context.Context, key, roomID string, out any) (bool, error) {
	userID, err := c.UserID(ctx)
	if err != nil {
		return false, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"userId": userID, "roomId": roomID, "type": key}).
		Get("/_matrix/client/v3/user/{userId}/rooms/{roomId}/account_data/{type}")
	if err := check(resp, err); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return false, fmt.Errorf("matrix: decode account data %s: %w", key, err)
	}
	return true, nil
}

// Set replaces room account data of type key.
func (c *Client) Set(ctx context.Context, key, roomID string, value any) error {
	userID, err := c.UserID(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("matrix: encode account data %s: %w", key, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetPathParams(map[string]string{"userId": userID, "roomId": roomID, "type": key}).
		Put("/_matrix/client/v3/user/{userId}/rooms/{roomId}/account_data/{type}")
	return check(resp, err)
}

// Send posts msg into roomID as an m.room.message event.
func (c *Client) Send(ctx context.Context, roomID string, msg model.Message) error {
	body, err := json.Marshal(c.content(msg))
	if err != nil {
		return err
	}
	txnID := fmt.Sprintf("%s.%d", c.txnPrefix, c.txn.Add(1))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetPathParams(map[string]string{"roomId": roomID, "txnId": txnID}).
		Put("/_matrix/client/v3/rooms/{roomId}/send/m.room.message/{txnId}")
	if err := check(resp, err); err != nil {
		return err
	}
	appLog.Debug("matrix: message sent", "room", roomID, "kind", string(msg.Kind), "txn", txnID)
	return nil
}

// content renders the message as event content. Bot-specific fields are
// namespaced so other clients ignore them.
func (c *Client) content(msg model.Message) map[string]any {
	msgType := "m.notice"
	if msg.Kind == model.KindTrigger {
		msgType = "m.text"
	}
	out := map[string]any{
		"msgtype": msgType,
		"body":    msg.Text,
	}
	if msg.HTML != "" {
		out["format"] = "org.matrix.custom.html"
		out["formatted_body"] = msg.HTML
	}
	if msg.Kind != "" {
		out[c.namespace+".message_kind"] = string(msg.Kind)
	}
	if msg.UID != "" {
		out[c.namespace+".uid"] = msg.UID
	}
	if msg.VEvent != "" {
		out[c.namespace+".vevent"] = msg.VEvent
	}
	if msg.Next != nil {
		out[c.namespace+".next"] = msg.Next.Unix()
	}
	if msg.ReplyTo != "" {
		out["m.relates_to"] = map[string]any{
			"m.in_reply_to": map[string]string{"event_id": msg.ReplyTo},
		}
	}
	return out
}

// Download fetches an mxc:// URI. The authenticated media endpoint is
// tried first, then the legacy one.
func (c *Client) Download(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "mxc" || u.Host == "" || len(u.Path) < 2 {
		return nil, fmt.Errorf("matrix: invalid content uri %q", ref)
	}
	params := map[string]string{"serverName": u.Host, "mediaId": strings.TrimPrefix(u.Path, "/")}

	paths := []string{
		"/_matrix/client/v1/media/download/{serverName}/{mediaId}",
		"/_matrix/media/v3/download/{serverName}/{mediaId}",
	}
	var lastErr error
	for _, p := range paths {
		resp, err := c.http.R().SetContext(ctx).SetPathParams(params).Get(p)
		if err := check(resp, err); err != nil {
			lastErr = err
			var me *Error
			if errors.As(err, &me) && (me.Status == http.StatusNotFound || me.ErrCode == "M_UNRECOGNIZED") {
				continue
			}
			return nil, err
		}
		return resp.Body(), nil
	}
	return nil, lastErr
}

type powerLevels struct {
	Users         map[string]int `json:"users"`
	UsersDefault  int            `json:"users_default"`
	Events        map[string]int `json:"events"`
	EventsDefault int            `json:"events_default"`
	StateDefault  *int           `json:"state_default"`
}

// UserHasPowerLevelFor reports whether userID may send eventType in roomID
// according to the room's m.room.power_levels state.
func (c *Client) UserHasPowerLevelFor(ctx context.Context, userID, roomID, eventType string, isState bool) (bool, error) {
	var pl powerLevels
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&pl).
		SetPathParam("roomId", roomID).
		Get("/_matrix/client/v3/rooms/{roomId}/state/m.room.power_levels")
	if err := check(resp, err); err != nil {
		return false, err
	}

	required := pl.EventsDefault
	if isState {
		required = 50
		if pl.StateDefault != nil {
			required = *pl.StateDefault
		}
	}
	if lvl, ok := pl.Events[eventType]; ok {
		required = lvl
	}

	have := pl.UsersDefault
	if lvl, ok := pl.Users[userID]; ok {
		have = lvl
	}
	return have >= required, nil
}
