package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"icsreminder/internal/accountdata"
	"icsreminder/internal/config"
	"icsreminder/internal/model"
	"icsreminder/internal/reminder"
)

const (
	room    = "!a:example.org"
	standup = "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nDTSTART:20240101T090000Z\r\nRRULE:FREQ=DAILY\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (r *recordingSender) Send(_ context.Context, _ string, msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) kinds() []model.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.MessageKind
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	body, ok := f[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(body), nil
}

type env struct {
	srv      *httptest.Server
	sender   *recordingSender
	hub      *Hub
	registry *reminder.Registry
}

func newEnv(t *testing.T, cfg *config.Config, authz Authorizer) *env {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	reg := reminder.NewRegistry(reminder.NewRoomStore(accountdata.NewMemory(), "test"), time.UTC)
	sender := &recordingSender{}
	hub := NewHub()
	s := NewServer(cfg, Deps{
		Registry: reg,
		Fetcher: fakeFetcher{
			"https://cal.example.org/standup.ics":     standup,
			"mxc://example.org/standup":               standup,
			"http://169.254.169.254/latest/meta-data": standup,
			"file:///etc/passwd":                      standup,
		},
		Sender:     sender,
		Authorizer: authz,
		Hub:        hub,
		Location:   time.UTC,
	})
	s.now = func() time.Time { return time.Date(2024, 5, 14, 8, 0, 0, 0, time.UTC) }
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &env{srv: srv, sender: sender, hub: hub, registry: reg}
}

func (e *env) url(path string) string {
	return e.srv.URL + "/api/rooms/" + url.PathEscape(room) + path
}

func do(t *testing.T, method, target, contentType, body string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := do(t, http.MethodGet, e.srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateListEditDelete(t *testing.T) {
	e := newEnv(t, nil, nil)

	resp := do(t, http.MethodPost, e.url("/reminders"), "text/calendar", standup)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[reminderDTO](t, resp)
	if created.UID == "" || created.SummaryText != "Standup" || created.RoomID != room {
		t.Fatalf("created = %+v", created)
	}
	wantNext := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)
	if created.Next == nil || !created.Next.Equal(wantNext) {
		t.Errorf("next = %v, want %s", created.Next, wantNext)
	}

	list := decode[listResponse](t, do(t, http.MethodGet, e.url("/reminders"), "", ""))
	if len(list.Reminders) != 1 || list.Reminders[0].UID != created.UID {
		t.Fatalf("list = %+v", list)
	}

	resp = do(t, http.MethodPut, e.url("/reminders/"+created.UID), "application/json", `{"text":"Daily sync"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status = %d", resp.StatusCode)
	}
	if got := decode[reminderDTO](t, resp); got.SummaryText != "Daily sync" || got.SummaryHTML != "Daily sync" {
		t.Errorf("edited = %+v", got)
	}

	resp = do(t, http.MethodDelete, e.url("/reminders/"+created.UID), "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, e.url("/reminders/"+created.UID), "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPut, e.url("/reminders/"+created.UID), "application/json", `{"text":"late"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("edit after delete status = %d", resp.StatusCode)
	}

	kinds := e.sender.kinds()
	if len(kinds) != 2 || kinds[0] != model.KindCreate || kinds[1] != model.KindPreview {
		t.Errorf("sent kinds = %v", kinds)
	}
}

func TestCreateFromURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Fetch.AllowedHosts = []string{"cal.example.org"}
	e := newEnv(t, cfg, nil)

	resp := do(t, http.MethodPost, e.url("/reminders"), "application/json", `{"url":"https://cal.example.org/standup.ics"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, e.url("/reminders"), "application/json", `{"url":"mxc://example.org/standup"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mxc status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, e.url("/reminders"), "application/json", `{"url":"https://cal.example.org/missing.ics"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("missing url status = %d", resp.StatusCode)
	}
}

func TestCreateFromURLOutsideAllowlist(t *testing.T) {
	e := newEnv(t, nil, nil)

	for _, ref := range []string{
		"http://169.254.169.254/latest/meta-data",
		"https://cal.example.org/standup.ics",
		"file:///etc/passwd",
	} {
		resp := do(t, http.MethodPost, e.url("/reminders"), "application/json", `{"url":"`+ref+`"}`)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", ref, resp.StatusCode)
		}
	}
	if n := len(e.registry.ListActive(room)); n != 0 {
		t.Errorf("%d reminders created from disallowed urls", n)
	}
}

func TestCreateRejectsInvalidCalendar(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := do(t, http.MethodPost, e.url("/reminders"), "text/calendar", "hello there")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if n := len(e.registry.ListActive(room)); n != 0 {
		t.Errorf("%d reminders after rejected upload", n)
	}
	if len(e.sender.kinds()) != 0 {
		t.Error("message sent for rejected upload")
	}
}

func TestExport(t *testing.T) {
	e := newEnv(t, nil, nil)
	created := decode[reminderDTO](t, do(t, http.MethodPost, e.url("/reminders"), "text/calendar", standup))

	resp := do(t, http.MethodGet, e.url("/reminders/"+created.UID+"/ics"), "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"BEGIN:VCALENDAR", "BEGIN:VEVENT", "RRULE:FREQ=DAILY"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("export missing %q:\n%s", want, body)
		}
	}

	resp = do(t, http.MethodGet, e.url("/reminders/nope/ics"), "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown uid status = %d", resp.StatusCode)
	}
}

func TestAdminListAuthorizer(t *testing.T) {
	e := newEnv(t, nil, NewAdminList([]string{"@admin:example.org"}))

	resp := do(t, http.MethodGet, e.url("/reminders"), "", "", "X-Sender", "@user:example.org")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, e.url("/reminders"), "", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, e.url("/reminders"), "", "", "X-Sender", "@admin:example.org")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d", resp.StatusCode)
	}
}

type fakePowerLevels struct{ allowed map[string]bool }

func (f fakePowerLevels) UserHasPowerLevelFor(_ context.Context, userID, _, _ string, _ bool) (bool, error) {
	return f.allowed[userID], nil
}

func TestNewAuthorizer(t *testing.T) {
	ctx := context.Background()
	checker := fakePowerLevels{allowed: map[string]bool{"@mod:example.org": true}}

	a, err := NewAuthorizer(config.PermissionConfig{Mode: config.PermissionPowerLevel, EventType: "x"}, checker)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Allowed(ctx, "@mod:example.org", room); !ok {
		t.Error("moderator denied")
	}
	if ok, _ := a.Allowed(ctx, "", room); ok {
		t.Error("anonymous allowed")
	}

	if _, err := NewAuthorizer(config.PermissionConfig{Mode: config.PermissionPowerLevel}, nil); err == nil {
		t.Error("power_level without checker accepted")
	}
	if _, err := NewAuthorizer(config.PermissionConfig{Mode: "vibes"}, nil); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "bot", Password: "secret"}
	e := newEnv(t, cfg, nil)

	if resp := do(t, http.MethodGet, e.srv.URL+"/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, e.url("/reminders"), "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.url("/reminders"), nil)
	req.SetBasicAuth("bot", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
}

func TestWebsocketFeed(t *testing.T) {
	e := newEnv(t, nil, nil)

	wsURL := "ws" + strings.TrimPrefix(e.url("/ws"), "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for e.hub.Subscribers(room) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	next := time.Date(2024, 5, 15, 9, 0, 0, 0, time.UTC)
	msg := model.NewTrigger("uid1", "Standup", "Standup", "BEGIN:VEVENT\r\nEND:VEVENT\r\n", next, true)
	if err := e.hub.Send(context.Background(), room, msg); err != nil {
		t.Fatal(err)
	}
	if err := e.hub.Send(context.Background(), "!other:example.org", msg); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got wsMessage
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != model.KindTrigger || got.UID != "uid1" || got.RoomID != room {
		t.Errorf("frame = %+v", got)
	}
	if got.Next == nil || !got.Next.Equal(next) {
		t.Errorf("next = %v", got.Next)
	}
}
