// Package api serves the a2dpd query surface over HTTP.
//
// Every JSON response carries a top-level "success" flag. Validation
// failures are reported as 400 responses with "success": false and an
// "error" message; no failure crosses the surface as anything other than a
// regular response.
//
// Routes (all under /api/v1):
//
//	GET    /status                  negotiation state, current codec and bitrate, last score
//	GET    /errors                  error log in insertion order
//	POST   /negotiate               negotiate with the body's device (or the last one)
//	POST   /retry                   retry a failed negotiation
//	GET    /settings                settings snapshot
//	PUT    /settings/bitrate        pin the preferred bitrate
//	DELETE /settings/bitrate        clear the preferred bitrate
//	PUT    /settings/adaptive       enable or disable adaptive bitrate
//	PUT    /settings/ldac           enable or disable LDAC
//	PUT    /settings/force-ldac     pin LDAC against renegotiation
//	PUT    /settings/chain          override the codec priority chain
//	DELETE /settings/chain          restore the default chain
//	GET    /profiles                list equalizer profiles
//	GET    /profiles/{name}         get one profile
//	PUT    /profiles/{name}         create or replace a profile
//	DELETE /profiles/{name}         remove a profile
//	GET    /stream                  websocket feed of samples, state changes and errors
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/a2dpd/internal/adaptive"
	"github.com/MrWong99/a2dpd/internal/errlog"
	"github.com/MrWong99/a2dpd/internal/negotiate"
	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/internal/settings"
	"github.com/MrWong99/a2dpd/pkg/codec"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Service is the runtime the API queries and drives. *app.App satisfies it.
type Service interface {
	State() negotiate.State
	Current() negotiate.Result
	Device() (codec.Device, bool)
	Capabilities() codec.Capabilities
	LastSample() (adaptive.Sample, bool)
	Errors() []errlog.Record
	NegotiateAsync(ctx context.Context, dev codec.Device) <-chan negotiate.Result
	Retry(ctx context.Context) negotiate.Result
}

// Settings is the user settings store. *settings.Store satisfies it.
type Settings interface {
	Snapshot() settings.Snapshot
	SetPreferredBitrate(ctx context.Context, bitrate int) error
	ClearPreferredBitrate(ctx context.Context) error
	SetAdaptiveBitrateEnabled(ctx context.Context, enabled bool) error
	SetLDACEnabled(ctx context.Context, enabled bool) error
	SetForceLDAC(ctx context.Context, force bool) error
	SetFallbackChain(ctx context.Context, chain []string) error
	ClearFallbackChain(ctx context.Context) error
	AddProfile(ctx context.Context, p settings.EqualizerProfile) error
	Profile(name string) (settings.EqualizerProfile, bool)
	Profiles() []settings.EqualizerProfile
	RemoveProfile(ctx context.Context, name string) error
}

// Server holds the HTTP handlers.
type Server struct {
	svc   Service
	store Settings
	hub   *Hub
}

// New creates a Server. hub may be nil, in which case /stream is not served.
func New(svc Service, store Settings, hub *Hub) *Server {
	return &Server{svc: svc, store: store, hub: hub}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/errors", s.handleErrors)
	mux.HandleFunc("POST /api/v1/negotiate", s.handleNegotiate)
	mux.HandleFunc("POST /api/v1/retry", s.handleRetry)

	mux.HandleFunc("GET /api/v1/settings", s.handleSettings)
	mux.HandleFunc("PUT /api/v1/settings/bitrate", s.handleSetBitrate)
	mux.HandleFunc("DELETE /api/v1/settings/bitrate", s.handleClearBitrate)
	mux.HandleFunc("PUT /api/v1/settings/adaptive", s.handleFlag(s.store.SetAdaptiveBitrateEnabled))
	mux.HandleFunc("PUT /api/v1/settings/ldac", s.handleFlag(s.store.SetLDACEnabled))
	mux.HandleFunc("PUT /api/v1/settings/force-ldac", s.handleFlag(s.store.SetForceLDAC))
	mux.HandleFunc("PUT /api/v1/settings/chain", s.handleSetChain)
	mux.HandleFunc("DELETE /api/v1/settings/chain", s.handleClearChain)

	mux.HandleFunc("GET /api/v1/profiles", s.handleProfiles)
	mux.HandleFunc("GET /api/v1/profiles/{name}", s.handleGetProfile)
	mux.HandleFunc("PUT /api/v1/profiles/{name}", s.handlePutProfile)
	mux.HandleFunc("DELETE /api/v1/profiles/{name}", s.handleDeleteProfile)

	if s.hub != nil {
		mux.HandleFunc("GET /api/v1/stream", s.hub.ServeHTTP)
	}
}

// ─── Response bodies ─────────────────────────────────────────────────────────

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// resultBody is the wire form of a negotiate.Result.
type resultBody struct {
	Success bool     `json:"success"`
	Codec   codec.ID `json:"codec,omitempty"`
	Bitrate int      `json:"bitrate,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func toResultBody(r negotiate.Result) resultBody {
	b := resultBody{Success: r.Success, Codec: r.Codec, Bitrate: r.Bitrate}
	if r.Err != nil {
		b.Error = r.Err.Error()
	}
	return b
}

type statusBody struct {
	Success      bool             `json:"success"`
	State        negotiate.State  `json:"state"`
	Codec        codec.ID         `json:"codec,omitempty"`
	Bitrate      int              `json:"bitrate,omitempty"`
	Device       *codec.Device    `json:"device,omitempty"`
	Supported    []codec.ID       `json:"supported,omitempty"`
	QualityScore *int             `json:"quality_score,omitempty"`
	LastSample   *adaptive.Sample `json:"last_sample,omitempty"`
}

type errorsBody struct {
	Success bool            `json:"success"`
	Errors  []errlog.Record `json:"errors"`
}

type settingsBody struct {
	Success  bool              `json:"success"`
	Settings settings.Snapshot `json:"settings"`
}

type profilesBody struct {
	Success  bool                        `json:"success"`
	Profiles []settings.EqualizerProfile `json:"profiles"`
}

type profileBody struct {
	Success bool                      `json:"success"`
	Profile settings.EqualizerProfile `json:"profile"`
}

type okBody struct {
	Success bool `json:"success"`
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cur := s.svc.Current()
	body := statusBody{
		Success: true,
		State:   s.svc.State(),
		Codec:   cur.Codec,
		Bitrate: cur.Bitrate,
	}
	if dev, ok := s.svc.Device(); ok {
		body.Device = &dev
		body.Supported = s.svc.Capabilities().Supported()
	}
	if sample, ok := s.svc.LastSample(); ok {
		body.QualityScore = &sample.Score
		body.LastSample = &sample
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	recs := s.svc.Errors()
	if recs == nil {
		recs = []errlog.Record{}
	}
	writeJSON(w, http.StatusOK, errorsBody{Success: true, Errors: recs})
}

// ─── Negotiation ─────────────────────────────────────────────────────────────

// handleNegotiate starts a negotiation and waits for its result. The run is
// detached from the request, so a client that disconnects does not abort
// it.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var dev codec.Device
	if r.ContentLength != 0 {
		if err := decode(w, r, &dev); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if dev.ID == "" {
		prev, ok := s.svc.Device()
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("no device given and none negotiated before"))
			return
		}
		dev = prev
	}

	ch := s.svc.NegotiateAsync(context.WithoutCancel(r.Context()), dev)
	select {
	case res := <-ch:
		writeResult(w, res)
	case <-r.Context().Done():
		observe.Logger(r.Context()).Debug("negotiate request abandoned by client", "device", dev.ID)
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	res := s.svc.Retry(context.WithoutCancel(r.Context()))
	if errors.Is(res.Err, negotiate.ErrNotFailed) {
		writeError(w, http.StatusConflict, res.Err)
		return
	}
	writeResult(w, res)
}

// writeResult reports a finished negotiation. A failed negotiation is still
// a successfully served request; the body's success flag carries the
// outcome.
func writeResult(w http.ResponseWriter, res negotiate.Result) {
	writeJSON(w, http.StatusOK, toResultBody(res))
}

// ─── Settings ────────────────────────────────────────────────────────────────

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsBody{Success: true, Settings: s.store.Snapshot()})
}

func (s *Server) handleSetBitrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bitrate int `json:"bitrate"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeStoreResult(w, r, s.store.SetPreferredBitrate(r.Context(), req.Bitrate))
}

func (s *Server) handleClearBitrate(w http.ResponseWriter, r *http.Request) {
	s.writeStoreResult(w, r, s.store.ClearPreferredBitrate(r.Context()))
}

// handleFlag serves a {"enabled": bool} toggle backed by set.
func (s *Server) handleFlag(set func(context.Context, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decode(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New(`"enabled" is required`))
			return
		}
		s.writeStoreResult(w, r, set(r.Context(), *req.Enabled))
	}
}

func (s *Server) handleSetChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chain []string `json:"chain"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeStoreResult(w, r, s.store.SetFallbackChain(r.Context(), req.Chain))
}

func (s *Server) handleClearChain(w http.ResponseWriter, r *http.Request) {
	s.writeStoreResult(w, r, s.store.ClearFallbackChain(r.Context()))
}

// writeStoreResult answers a settings write with the fresh snapshot.
func (s *Server) writeStoreResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		if statusFor(err) >= http.StatusInternalServerError {
			observe.Logger(r.Context()).Error("settings write failed", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, settingsBody{Success: true, Settings: s.store.Snapshot()})
}

// ─── Profiles ────────────────────────────────────────────────────────────────

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, profilesBody{Success: true, Profiles: s.store.Profiles()})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, ok := s.store.Profile(name)
	if !ok {
		writeError(w, http.StatusNotFound, settings.ErrProfileNotFound)
		return
	}
	writeJSON(w, http.StatusOK, profileBody{Success: true, Profile: p})
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p settings.EqualizerProfile
	if err := decode(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The path names the profile.
	p.Name = r.PathValue("name")
	if err := s.store.AddProfile(r.Context(), p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	stored, _ := s.store.Profile(p.Name)
	writeJSON(w, http.StatusOK, profileBody{Success: true, Profile: stored})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveProfile(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{Success: true})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settings.ErrInvalidBitrate),
		errors.Is(err, settings.ErrInvalidCodecChain),
		errors.Is(err, settings.ErrInvalidProfile),
		errors.Is(err, settings.ErrSerialization):
		return http.StatusBadRequest
	case errors.Is(err, settings.ErrProfileNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// decode reads a bounded JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Success: false, Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode response", "err", err)
	}
}
