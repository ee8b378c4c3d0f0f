package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	appLog "icsreminder/internal/log"
)

const (
	defaultPollTimeout = 20 * time.Second
	minBackoff         = time.Second
	maxBackoff         = 60 * time.Second
)

// syncFilter keeps /sync responses down to room messages.
const syncFilter = `{"presence":{"not_types":["*"]},"account_data":{"not_types":["*"]},` +
	`"room":{"timeline":{"types":["m.room.message"]},"state":{"lazy_load_members":true},` +
	`"ephemeral":{"not_types":["*"]},"account_data":{"not_types":["*"]}}}`

// Event is a room timeline event as returned by /sync.
type Event struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
	OriginTS int64           `json:"origin_server_ts"`
	Content  json.RawMessage `json:"content"`
}

// FileContent is the content of an m.file message.
type FileContent struct {
	MsgType  string `json:"msgtype"`
	Body     string `json:"body"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Info     struct {
		MimeType string `json:"mimetype"`
		Size     int64  `json:"size"`
	} `json:"info"`
}

// Name is the uploaded file name. Newer clients put it in filename and
// leave body for a caption.
func (f FileContent) Name() string {
	if f.Filename != "" {
		return f.Filename
	}
	return f.Body
}

// File decodes e as an m.file message. ok is false for any other event.
func (e Event) File() (FileContent, bool) {
	var fc FileContent
	if e.Type != "m.room.message" || len(e.Content) == 0 {
		return fc, false
	}
	if err := json.Unmarshal(e.Content, &fc); err != nil || fc.MsgType != "m.file" {
		return fc, false
	}
	return fc, true
}

// SyncResponse is the subset of a /sync response the bot reads.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []Event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

// Sync performs one /sync long poll. An empty since requests an initial
// sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	params := map[string]string{
		"timeout": strconv.FormatInt(timeout.Milliseconds(), 10),
		"filter":  syncFilter,
	}
	if since != "" {
		params["since"] = since
	}
	var out SyncResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get("/_matrix/client/v3/sync")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	if out.NextBatch == "" {
		return nil, errors.New("matrix: sync returned no next_batch")
	}
	return &out, nil
}

// Handler receives timeline events from other users.
type Handler interface {
	HandleEvent(ctx context.Context, roomID string, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, roomID string, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, roomID string, ev Event) error {
	return f(ctx, roomID, ev)
}

// Checkpoint persists the sync token between runs.
type Checkpoint interface {
	Load() (string, error)
	Save(token string) error
}

// FileCheckpoint stores the token in a file. A missing file means no token.
type FileCheckpoint string

func (p FileCheckpoint) Load() (string, error) {
	data, err := os.ReadFile(string(p))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p FileCheckpoint) Save(token string) error {
	path := string(p)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sync-token-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Syncer runs the /sync loop and hands new timeline events to a Handler.
//
// The first sync without a stored token only establishes a position; the
// room backlog it returns is not dispatched, so a fresh install does not
// replay old uploads.
type Syncer struct {
	client     *Client
	handler    Handler
	checkpoint Checkpoint

	// PollTimeout is the server-side long poll duration. It must stay below
	// the client request timeout.
	PollTimeout time.Duration

	since  string
	loaded bool
}

func NewSyncer(c *Client, h Handler, cp Checkpoint) *Syncer {
	return &Syncer{client: c, handler: h, checkpoint: cp, PollTimeout: defaultPollTimeout}
}

// Since returns the token the next poll will resume from.
func (s *Syncer) Since() string { return s.since }

// SyncOnce polls once, dispatches events and records next_batch.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if !s.loaded && s.checkpoint != nil {
		tok, err := s.checkpoint.Load()
		if err != nil {
			appLog.Warn("matrix: sync token not loaded; starting fresh", "error", err.Error())
		}
		s.since = tok
	}
	s.loaded = true

	self, err := s.client.UserID(ctx)
	if err != nil {
		return err
	}
	resp, err := s.client.Sync(ctx, s.since, s.PollTimeout)
	if err != nil {
		return err
	}

	if s.since == "" {
		appLog.Info("matrix: initial sync done; backlog skipped", "next_batch", resp.NextBatch)
	} else {
		s.dispatch(ctx, self, resp)
	}

	s.since = resp.NextBatch
	if s.checkpoint != nil {
		if err := s.checkpoint.Save(s.since); err != nil {
			appLog.Error("matrix: saving sync token failed", err)
		}
	}
	return nil
}

func (s *Syncer) dispatch(ctx context.Context, self string, resp *SyncResponse) {
	rooms := make([]string, 0, len(resp.Rooms.Join))
	for id := range resp.Rooms.Join {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)

	for _, roomID := range rooms {
		for _, ev := range resp.Rooms.Join[roomID].Timeline.Events {
			if ev.Sender == self {
				continue
			}
			if err := s.handler.HandleEvent(ctx, roomID, ev); err != nil {
				appLog.Error("matrix: event handler failed", err, "room", roomID, "event_id", ev.EventID)
			}
		}
	}
}

// Run syncs until ctx is cancelled, backing off exponentially on errors.
func (s *Syncer) Run(ctx context.Context) {
	backoff := minBackoff
	for ctx.Err() == nil {
		err := s.SyncOnce(ctx)
		if err == nil {
			backoff = minBackoff
			continue
		}
		if ctx.Err() != nil {
			break
		}
		appLog.Warn("matrix: sync failed; retrying", "error", err.Error(), "backoff", backoff.String())

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
	appLog.Info("matrix: sync loop stopped")
}
