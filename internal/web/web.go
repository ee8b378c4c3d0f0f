package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"icsreminder/internal/config"
	"icsreminder/internal/ics"
	appLog "icsreminder/internal/log"
	"icsreminder/internal/model"
	"icsreminder/internal/reminder"
	"icsreminder/internal/scheduler"
)

// maxUploadBytes caps calendar uploads and JSON bodies.
const maxUploadBytes = 4 << 20

// Fetcher resolves a calendar reference (http(s) URL, mxc URI) to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Deps are the collaborators the HTTP API drives.
type Deps struct {
	Registry   *reminder.Registry
	Fetcher    Fetcher
	Sender     scheduler.Sender
	Authorizer Authorizer
	Hub        *Hub
	Location   *time.Location
}

// Server provides the reminder HTTP API.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time
}

// NewServer constructs a new Server. A nil Authorizer allows everyone.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll{}
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="icsreminder", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/rooms/{room}/reminders", s.withRoom(s.handleList))
	s.mux.HandleFunc("POST /api/rooms/{room}/reminders", s.withRoom(s.handleCreate))
	s.mux.HandleFunc("PUT /api/rooms/{room}/reminders/{uid}", s.withRoom(s.handleEdit))
	s.mux.HandleFunc("DELETE /api/rooms/{room}/reminders/{uid}", s.withRoom(s.handleDelete))
	s.mux.HandleFunc("GET /api/rooms/{room}/reminders/{uid}/ics", s.withRoom(s.handleExport))

	if s.deps.Hub != nil {
		s.mux.HandleFunc("GET /api/rooms/{room}/ws", s.withRoom(func(w http.ResponseWriter, r *http.Request, room string) {
			s.deps.Hub.ServeWS(w, r, room)
		}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// requestSender identifies who is acting. X-Sender wins over the basic
// auth user so a shared credential can still carry a Matrix user id.
func requestSender(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Sender")); v != "" {
		return v
	}
	if u, _, ok := r.BasicAuth(); ok {
		return u
	}
	return ""
}

// withRoom resolves the room path value and runs the permission check.
func (s *Server) withRoom(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		if room == "" {
			writeError(w, http.StatusBadRequest, "missing room")
			return
		}
		sender := requestSender(r)
		ok, err := s.deps.Authorizer.Allowed(r.Context(), sender, room)
		if err != nil {
			appLog.Error("permission check failed", err, "room", room, "sender", sender)
			writeError(w, http.StatusBadGateway, "permission check failed")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "Sorry, you don't have permission to use reminders.")
			return
		}
		h(w, r, room)
	}
}

// reminderDTO is the JSON view of a reminder.
type reminderDTO struct {
	UID         string     `json:"uid"`
	RoomID      string     `json:"room_id"`
	SummaryText string     `json:"summary_text"`
	SummaryHTML string     `json:"summary_html"`
	Start       time.Time  `json:"start"`
	AllDay      bool       `json:"all_day"`
	RRule       string     `json:"rrule,omitempty"`
	Next        *time.Time `json:"next,omitempty"`
	VEvent      string     `json:"vevent"`
}

func (s *Server) toDTO(r *reminder.Reminder) reminderDTO {
	dto := reminderDTO{
		UID:         r.UID,
		RoomID:      r.RoomID,
		SummaryText: r.SummaryText(),
		SummaryHTML: r.SummaryHTML(),
		Start:       r.Event.Start(),
		AllDay:      r.Event.AllDay(),
		RRule:       r.Event.RRule(),
		VEvent:      r.Event.Serialize(),
	}
	if next, ok := r.Event.NextAtOrAfter(s.now().In(s.deps.Location)); ok {
		dto.Next = &next
	}
	return dto
}

type listResponse struct {
	RoomID    string        `json:"room_id"`
	Reminders []reminderDTO `json:"reminders"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request, room string) {
	active := s.deps.Registry.ListActive(room)
	resp := listResponse{RoomID: room, Reminders: make([]reminderDTO, 0, len(active))}
	for _, r := range active {
		resp.Reminders = append(resp.Reminders, s.toDTO(r))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRequest struct {
	URL string `json:"url"`
}

// handleCreate accepts either a raw calendar body or JSON {"url": ...}
// pointing at one.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, room string) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req createRequest
		if err := json.Unmarshal(body, &req); err != nil || req.URL == "" {
			writeError(w, http.StatusBadRequest, `expected {"url": "..."}`)
			return
		}
		if s.deps.Fetcher == nil {
			writeError(w, http.StatusBadRequest, "fetching calendars by url is disabled")
			return
		}
		if !s.fetchAllowed(req.URL) {
			writeError(w, http.StatusForbidden, "calendar url is not on the allowed host list")
			return
		}
		body, err = s.deps.Fetcher.Fetch(ctx, req.URL)
		if err != nil {
			appLog.Error("calendar fetch failed", err, "room", room)
			writeError(w, http.StatusBadGateway, "failed to fetch calendar")
			return
		}
	}

	ev, err := ics.Parse(body, s.deps.Location)
	if err != nil {
		appLog.Warn("rejected calendar upload", "room", room, "error", err.Error())
		writeError(w, http.StatusBadRequest, "Sorry, that does not look like a valid iCalendar file.")
		return
	}

	rem, err := s.deps.Registry.Create(ctx, ev, room)
	if err != nil {
		appLog.Error("reminder create failed", err, "room", room)
		writeError(w, http.StatusInternalServerError, "failed to create reminder")
		return
	}

	dto := s.toDTO(rem)
	s.send(ctx, room, rem.CreateMessage(dto.Next))
	writeJSON(w, http.StatusCreated, dto)
}

// fetchAllowed accepts mxc:// references and http(s) URLs whose host is
// configured in fetch.allowed_hosts.
func (s *Server) fetchAllowed(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "mxc":
		return true
	case "http", "https":
		return s.cfg != nil && u.Hostname() != "" && s.cfg.Fetch.HostAllowed(u.Hostname())
	default:
		return false
	}
}

type editRequest struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, room string) {
	ctx := r.Context()
	uid := r.PathValue("uid")

	var req editRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	rem, err := s.deps.Registry.Edit(ctx, room, uid, strings.TrimSpace(req.Text), strings.TrimSpace(req.HTML))
	if errors.Is(err, reminder.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Reminder not found.")
		return
	}
	if err != nil {
		appLog.Error("reminder edit failed", err, "room", room, "uid", uid)
		writeError(w, http.StatusInternalServerError, "failed to update reminder")
		return
	}

	s.send(ctx, room, rem.Message(model.KindPreview))
	writeJSON(w, http.StatusOK, s.toDTO(rem))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, room string) {
	uid := r.PathValue("uid")
	removed, err := s.deps.Registry.Delete(r.Context(), room, uid)
	if err != nil {
		appLog.Error("reminder delete failed", err, "room", room, "uid", uid)
		writeError(w, http.StatusInternalServerError, "failed to delete reminder")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "Reminder not found.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, room string) {
	uid := r.PathValue("uid")
	rem, ok := s.deps.Registry.Find(room, uid)
	if !ok {
		writeError(w, http.StatusNotFound, "Reminder not found.")
		return
	}
	out, err := ics.Export(rem.Event, rem.UID)
	if err != nil {
		appLog.Error("calendar export failed", err, "room", room, "uid", uid)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.ics"`, rem.UID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// send delivers a command reply. Failures are logged; the API result
// already reflects the durable state.
func (s *Server) send(ctx context.Context, room string, msg model.Message) {
	if s.deps.Sender == nil {
		return
	}
	if err := s.deps.Sender.Send(ctx, room, msg); err != nil {
		appLog.Error("room message failed", err, "room", room, "kind", string(msg.Kind), "uid", msg.UID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
