// Package server exposes the admission gate over HTTP: status polling, the
// gated upload endpoint, maintenance toggles and the optional relay and
// metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/uploadgate"
	"github.com/ineyio/uploadgate/meter"
	"github.com/ineyio/uploadgate/settings"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

// Config wires the server's collaborators.
type Config struct {
	Gate      *uploadgate.Gate
	Publisher uploadgate.Publisher
	Settings  *settings.Store

	// Optional.
	Health         *uploadgate.HealthTracker
	Meter          uploadgate.Meter
	Identity       IdentityFunc
	Clock          uploadgate.Clock
	Logger         *slog.Logger
	MaxUploadBytes int64
	AdminToken     string

	// Policy should match the gate's store. Its zone dates quota resets for
	// Retry-After on quota denials; without a Location the header is omitted.
	Policy uploadgate.Policy

	// Relay serves /ws when set.
	Relay http.Handler

	// Metrics serves MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
}

// Server is the HTTP front end of the gate.
type Server struct {
	cfg    Config
	router chi.Router
}

// New validates cfg, fills in defaults and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("uploadgate/server: gate is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("uploadgate/server: publisher is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("uploadgate/server: settings are required")
	}

	if cfg.Health == nil {
		cfg.Health = uploadgate.NewHealthTracker(cfg.Clock)
	}
	if cfg.Meter == nil {
		cfg.Meter = &meter.NoopMeter{}
	}
	if cfg.Identity == nil {
		cfg.Identity, _ = NewIdentityFunc(uploadgate.IdentityIP, false)
	}
	if cfg.Clock == nil {
		cfg.Clock = uploadgate.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = uploadgate.DefaultMaxUploadBytes
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = uploadgate.DefaultMetricsPath
	}

	s := &Server{cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(adminOnly(s.cfg.AdminToken))
		r.Get("/btr", s.handleMaintenance(true))
		r.Get("/nbtr", s.handleMaintenance(false))
	})

	r.Group(func(r chi.Router) {
		r.Use(maintenance(s.cfg.Settings))
		r.Get("/", s.handleIndex)
		r.Get("/check_status", s.handleCheckStatus)
		r.Post("/upload_game", s.handleUpload)
		if s.cfg.Relay != nil {
			r.Handle("/ws", s.cfg.Relay)
		}
	})

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "uploadgate")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"executor":    s.cfg.Health.GetHealth(s.cfg.Publisher.Name()).String(),
		"maintenance": s.cfg.Settings.Get().MaintenanceMode,
	})
}

func (s *Server) handleMaintenance(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Settings.SetMaintenance(enable, r.URL.Query().Get("message")); err != nil {
			s.cfg.Logger.Error("maintenance_toggle_failed", "enable", enable, "error", err)
			writeText(w, http.StatusInternalServerError, "Could not update maintenance mode.")
			return
		}
		s.cfg.Logger.Info("maintenance_toggled", "enabled", enable)
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	id := s.cfg.Identity(r)
	if id == "" {
		writeText(w, http.StatusBadRequest, "An API key is required. Send the X-Api-Key header or the apikey query parameter.")
		return
	}
	st, err := s.cfg.Gate.Status(r.Context(), id, s.cfg.Clock.Now())
	if err != nil {
		s.cfg.Logger.Error("status_failed", "identity", id, "error", err)
		writeText(w, http.StatusServiceUnavailable, "Status is temporarily unavailable. Please try again later.")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	// Identities that do not come from the form are evaluated before the body
	// is read.
	id := s.cfg.Identity(r)
	if id != "" && !s.precheck(w, r, id) {
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "File too large.")
			return
		}
		writeText(w, http.StatusBadRequest, "Invalid upload form.")
		return
	}
	defer r.MultipartForm.RemoveAll()

	if id == "" {
		if id = s.cfg.Identity(r); id == "" {
			writeText(w, http.StatusBadRequest, uploadProblems[errMissingFields])
			return
		}
		if !s.precheck(w, r, id) {
			return
		}
	}

	req, err := readUpload(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, uploadProblems[err])
		return
	}

	ctx := r.Context()
	executor := s.cfg.Publisher.Name()
	if !s.cfg.Health.Allow(executor) {
		w.Header().Set("Retry-After", "30")
		writeText(w, http.StatusServiceUnavailable, "The upload service is temporarily unavailable. Please try again later.")
		return
	}

	now := s.cfg.Clock.Now()
	d, err := s.cfg.Gate.Admit(ctx, id, now)
	if err != nil || !d.Allowed {
		s.cfg.Health.Release(executor)
		s.writeDenial(w, id, d, now, err)
		return
	}
	setDecisionHeaders(w, d)

	start := time.Now()
	res, err := s.cfg.Publisher.Publish(ctx, req)
	s.cfg.Health.Record(executor, err)

	event := uploadgate.UploadEvent{
		Identity:   id,
		TicketID:   d.TicketID,
		UniverseID: req.UniverseID,
		PlaceID:    req.PlaceID,
		Bytes:      int64(len(req.Data)),
		Success:    err == nil,
		StatusCode: res.StatusCode,
		Duration:   time.Since(start),
		Error:      err,
	}

	var pe *uploadgate.PublishError
	if errors.As(err, &pe) {
		event.StatusCode = pe.StatusCode
	}
	s.cfg.Meter.OnUpload(event)

	switch {
	case err == nil:
		writeText(w, res.StatusCode, "Upload succeeded: "+res.Body)
	case pe != nil:
		writeText(w, pe.StatusCode, fmt.Sprintf("Upload failed: %d - %s", pe.StatusCode, pe.Body))
	default:
		writeText(w, http.StatusBadGateway, "Upload error: "+err.Error())
	}
}

// precheck answers denied requests from the read-only evaluation. It reports
// whether the upload may go on.
func (s *Server) precheck(w http.ResponseWriter, r *http.Request, id uploadgate.Identity) bool {
	now := s.cfg.Clock.Now()
	d, err := s.cfg.Gate.Evaluate(r.Context(), id, now)
	if err != nil || !d.Allowed {
		s.writeDenial(w, id, d, now, err)
		return false
	}
	return true
}

var (
	errMissingFields = fmt.Errorf("%w: missing required fields", uploadgate.ErrInvalidUpload)
	errInvalidFile   = fmt.Errorf("%w: file must be a .rbxl place file", uploadgate.ErrInvalidUpload)
	errUnreadable    = fmt.Errorf("%w: file could not be read", uploadgate.ErrInvalidUpload)
)

// uploadProblems maps form errors to the text shown to users.
var uploadProblems = map[error]string{
	errMissingFields: "Missing required fields.",
	errInvalidFile:   "Invalid file. Please upload a .rbxl file.",
	errUnreadable:    "Could not read the uploaded file.",
}

// readUpload validates the form fields and reads the place file.
func readUpload(r *http.Request) (uploadgate.PublishRequest, error) {
	req := uploadgate.PublishRequest{
		APIKey:     strings.TrimSpace(r.FormValue("apikey")),
		UniverseID: strings.TrimSpace(r.FormValue("universe_id")),
		PlaceID:    strings.TrimSpace(r.FormValue("place_id")),
	}
	if req.APIKey == "" || req.UniverseID == "" || req.PlaceID == "" {
		return req, errMissingFields
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return req, errInvalidFile
	}
	defer f.Close()
	if !strings.HasSuffix(hdr.Filename, ".rbxl") {
		return req, errInvalidFile
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return req, errUnreadable
	}
	req.FileName = hdr.Filename
	req.Data = data
	return req, nil
}

// writeDenial answers a refused admission. Store failures become 503.
func (s *Server) writeDenial(w http.ResponseWriter, id uploadgate.Identity, d uploadgate.Decision, now time.Time, err error) {
	if err != nil {
		d.Reason = uploadgate.ReasonUnavailable
		s.cfg.Logger.Error("admission_failed", "error", &uploadgate.AdmissionError{Err: err, Identity: id, Decision: d})
	}
	setDecisionHeaders(w, d)

	switch d.Reason {
	case uploadgate.ReasonQuotaExhausted:
		if s.cfg.Policy.Location != nil {
			wait := s.cfg.Policy.NextReset(now).Sub(now)
			w.Header().Set("Retry-After", strconv.FormatInt(uploadgate.DurationSeconds(wait), 10))
		}
		writeText(w, http.StatusForbidden, "You have used all of today's upload tokens.")
	case uploadgate.ReasonInCooldown:
		w.Header().Set("Retry-After", strconv.FormatInt(d.CooldownRemaining, 10))
		writeText(w, http.StatusTooManyRequests,
			fmt.Sprintf("Please wait %d more seconds before the next upload.", d.CooldownRemaining))
	default:
		writeText(w, http.StatusServiceUnavailable, "Uploads are temporarily unavailable. Please try again later.")
	}
}

func setDecisionHeaders(w http.ResponseWriter, d uploadgate.Decision) {
	h := w.Header()
	h.Set("X-Admission-Reason", string(d.Reason))
	if d.Reason == uploadgate.ReasonUnavailable {
		return
	}
	h.Set("X-Tokens-Remaining", strconv.FormatInt(d.TokensRemaining, 10))
	h.Set("X-Cooldown-Remaining", strconv.FormatInt(d.CooldownRemaining, 10))
	if d.TicketID != "" {
		h.Set("X-Admission-Ticket", d.TicketID)
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
