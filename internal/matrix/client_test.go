package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"icsreminder/internal/model"
)

const botID = "@bot:example.org"

// fakeHomeserver implements just enough of the client-server API.
type fakeHomeserver struct {
	t *testing.T

	mu          sync.Mutex
	accountData map[string][]byte
	sent        []map[string]any
	powerLevels string
	legacyMedia bool

	// syncQueue holds /sync bodies served in order; sinces records the
	// since parameter of each /sync request.
	syncQueue []string
	sinces    []string
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *Client) {
	t.Helper()
	fh := &fakeHomeserver{t: t, accountData: map[string][]byte{}}
	srv := httptest.NewServer(fh)
	t.Cleanup(srv.Close)
	return fh, New(srv.URL+"/", "token", "test.ns")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fh *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer token" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_MISSING_TOKEN", "error": "no token"})
		return
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/_matrix/client/v3/account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": botID})

	case path == "/_matrix/client/v3/joined_rooms":
		writeJSON(w, http.StatusOK, map[string][]string{"joined_rooms": {"!a:example.org", "!b:example.org"}})

	case strings.HasPrefix(path, "/_matrix/client/v3/user/"+botID+"/rooms/"):
		key := strings.TrimPrefix(path, "/_matrix/client/v3/user/"+botID+"/rooms/")
		switch r.Method {
		case http.MethodGet:
			raw, ok := fh.accountData[key]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no data"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(raw)
		case http.MethodPut:
			raw, _ := io.ReadAll(r.Body)
			fh.accountData[key] = raw
			writeJSON(w, http.StatusOK, map[string]any{})
		}

	case strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && strings.Contains(path, "/send/m.room.message/"):
		var content map[string]any
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			fh.t.Errorf("decode content: %v", err)
		}
		fh.sent = append(fh.sent, content)
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$e"})

	case path == "/_matrix/client/v3/sync":
		q := r.URL.Query()
		if q.Get("filter") == "" || q.Get("timeout") == "" {
			fh.t.Errorf("sync without filter or timeout: %s", r.URL.RawQuery)
		}
		fh.sinces = append(fh.sinces, q.Get("since"))
		if len(fh.syncQueue) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"next_batch": "idle"})
			return
		}
		body := fh.syncQueue[0]
		fh.syncQueue = fh.syncQueue[1:]
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)

	case strings.HasSuffix(path, "/state/m.room.power_levels"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, fh.powerLevels)

	case path == "/_matrix/client/v1/media/download/example.org/abc":
		if fh.legacyMedia {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "unknown endpoint"})
			return
		}
		_, _ = io.WriteString(w, "BEGIN:VEVENT")

	case path == "/_matrix/media/v3/download/example.org/abc":
		_, _ = io.WriteString(w, "legacy")

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": path})
	}
}

func TestAccountDataRoundTrip(t *testing.T) {
	ctx := context.Background()
	fh, c := newFakeHomeserver(t)

	var idx model.Index
	found, err := c.Get(ctx, "test.ns.vevents.index", "!a:example.org", &idx)
	if err != nil || found {
		t.Fatalf("Get missing = %v, %v", found, err)
	}

	if err := c.Set(ctx, "test.ns.vevents.index", "!a:example.org", model.Index{"u1": {}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := fh.accountData["!a:example.org/account_data/test.ns.vevents.index"]; !ok {
		t.Fatalf("unexpected stored keys: %v", fh.accountData)
	}

	idx = model.Index{}
	found, err = c.Get(ctx, "test.ns.vevents.index", "!a:example.org", &idx)
	if err != nil || !found {
		t.Fatalf("Get = %v, %v", found, err)
	}
	if _, ok := idx["u1"]; !ok {
		t.Errorf("idx = %v", idx)
	}
}

func TestJoinedRooms(t *testing.T) {
	_, c := newFakeHomeserver(t)
	rooms, err := c.JoinedRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0] != "!a:example.org" {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestSendTriggerContent(t *testing.T) {
	fh, c := newFakeHomeserver(t)
	next := time.Date(2024, 5, 15, 9, 0, 0, 0, time.UTC)
	msg := model.NewTrigger("uid1", "Standup", "<b>Standup</b>", "BEGIN:VEVENT\r\nEND:VEVENT\r\n", next, true)

	if err := c.Send(context.Background(), "!a:example.org", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(context.Background(), "!a:example.org", model.Message{Kind: model.KindPreview, Text: "p"}); err != nil {
		t.Fatalf("Send preview: %v", err)
	}

	if len(fh.sent) != 2 {
		t.Fatalf("sent %d", len(fh.sent))
	}
	got := fh.sent[0]
	checks := map[string]any{
		"msgtype":              "m.text",
		"body":                 "Standup",
		"format":               "org.matrix.custom.html",
		"formatted_body":       "<b>Standup</b>",
		"test.ns.message_kind": "trigger",
		"test.ns.uid":          "uid1",
		"test.ns.next":         float64(next.Unix()),
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s = %v, want %v", k, got[k], want)
		}
	}
	if fh.sent[1]["msgtype"] != "m.notice" {
		t.Errorf("preview msgtype = %v", fh.sent[1]["msgtype"])
	}
	if _, ok := fh.sent[1]["test.ns.next"]; ok {
		t.Error("preview carries next")
	}
}

func TestDownloadFallsBackToLegacyMedia(t *testing.T) {
	fh, c := newFakeHomeserver(t)
	ctx := context.Background()

	body, err := c.Download(ctx, "mxc://example.org/abc")
	if err != nil || string(body) != "BEGIN:VEVENT" {
		t.Fatalf("Download = %q, %v", body, err)
	}

	fh.mu.Lock()
	fh.legacyMedia = true
	fh.mu.Unlock()
	body, err = c.Download(ctx, "mxc://example.org/abc")
	if err != nil || string(body) != "legacy" {
		t.Fatalf("legacy Download = %q, %v", body, err)
	}

	if _, err := c.Download(ctx, "https://example.org/abc"); err == nil {
		t.Error("expected error for non-mxc uri")
	}
}

func TestUserHasPowerLevelFor(t *testing.T) {
	fh, c := newFakeHomeserver(t)
	fh.powerLevels = `{"users":{"@mod:example.org":50,"@admin:example.org":100},"users_default":0,"events":{"test.ns.room_reminders":50},"state_default":50}`
	ctx := context.Background()

	cases := map[string]bool{
		"@admin:example.org": true,
		"@mod:example.org":   true,
		"@user:example.org":  false,
	}
	for user, want := range cases {
		got, err := c.UserHasPowerLevelFor(ctx, user, "!a:example.org", "test.ns.room_reminders", true)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%s: got %v, want %v", user, got, want)
		}
	}

	// Unlisted state events use state_default; unlisted users get users_default.
	got, err := c.UserHasPowerLevelFor(ctx, "@user:example.org", "!a:example.org", "m.room.topic", false)
	if err != nil || !got {
		t.Errorf("plain event with events_default 0 = %v, %v", got, err)
	}
}

func TestErrorsAreTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "nope"})
	}))
	defer srv.Close()

	c := New(srv.URL, "token", "ns")
	_, err := c.JoinedRooms(context.Background())
	me, ok := err.(*Error)
	if !ok || me.ErrCode != "M_FORBIDDEN" || me.Status != http.StatusForbidden {
		t.Fatalf("err = %#v", err)
	}
	if IsNotFound(err) {
		t.Error("M_FORBIDDEN reported as not found")
	}
}
