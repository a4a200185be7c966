// Package server provides the HTTP server of the MSH.
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Database reachable and a PMode configuration loaded
//   - GET /metrics - Prometheus metrics (if enabled)
//
// # Admin API (requires the X-Admin-Key header)
//
//   - GET  /api/pmodes                 - List uploaded PMode documents
//   - POST /api/pmodes                 - Upload a PMode document
//   - POST /api/pmodes/resolve         - Resolve message attributes
//   - GET  /api/pmodes/legs/{pmodeKey} - Leg configuration of a pmodeKey
//   - POST /api/messages               - Submit a message
//   - POST /api/pull                   - Pull the next message of an MPC
//   - POST /api/messages/{messageID}/receipt - Receipt for a pulled message
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

// maxPModeSize bounds uploaded PMode documents
const maxPModeSize = 10 << 20

// Messenger is the part of the MSH exposed over HTTP
type Messenger interface {
	Submit(ctx context.Context, sub *msh.Submission) (*msh.Receipt, error)
	Pull(ctx context.Context, mpc string) (*msh.PulledMessage, error)
	PullReceipt(ctx context.Context, messageID string, warning bool) error
}

// Pinger checks database connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components served by the server. History,
// Messenger and Gatherer are optional.
type Dependencies struct {
	Resolver  resolver.Resolver
	History   storage.ConfigurationHistory
	Messenger Messenger
	Database  Pinger
	Gatherer  prometheus.Gatherer
}

// Server is the MSH HTTP server
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
	deps    Dependencies
}

// New creates a new server
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
		deps:   deps,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.Server.AdminKey == "" {
		s.logger.Warn("No admin key configured - admin API is disabled")
	}
	return s, nil
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.config.Metrics.Metrics.Enabled && s.deps.Gatherer != nil {
		mux.Handle("GET "+s.config.Metrics.Metrics.Path, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// PMode administration
	mux.HandleFunc("GET /api/pmodes", s.withAdmin(s.handleListPModes))
	mux.HandleFunc("POST /api/pmodes", s.withAdmin(s.handleUploadPModes))
	mux.HandleFunc("POST /api/pmodes/resolve", s.withAdmin(s.handleResolve))
	mux.HandleFunc("GET /api/pmodes/legs/{pmodeKey}", s.withAdmin(s.handleGetLeg))

	// Backend submission and pull
	mux.HandleFunc("POST /api/messages", s.withAdmin(s.handleSubmit))
	mux.HandleFunc("POST /api/pull", s.withAdmin(s.handlePull))
	mux.HandleFunc("POST /api/messages/{messageID}/receipt", s.withAdmin(s.handlePullReceipt))
}

// Middleware

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Check for admin API key in header
		apiKey := r.Header.Get("X-Admin-Key")
		if apiKey == "" || apiKey != s.config.Server.AdminKey {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(r.Context()); err != nil {
			s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if !s.deps.Resolver.IsConfigurationLoaded(r.Context()) {
		s.jsonError(w, "no PMode configuration loaded", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// PMode handlers

func (s *Server) handleListPModes(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.jsonError(w, "configuration history not available", http.StatusNotImplemented)
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	list, err := s.deps.History.ListConfigurations(r.Context(), limit)
	if err != nil {
		s.logger.Error("error listing configurations", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []storage.ConfigurationInfo{}
	}
	s.jsonResponse(w, map[string]interface{}{"configurations": list}, http.StatusOK)
}

func (s *Server) handleUploadPModes(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPModeSize+1))
	if err != nil {
		s.jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(raw) > maxPModeSize {
		s.jsonError(w, "PMode document too large", http.StatusRequestEntityTooLarge)
		return
	}
	description := r.URL.Query().Get("description")

	warnings, err := s.deps.Resolver.UpdatePModes(r.Context(), raw, description)
	var invalid *pmode.ConfigurationInvalidError
	switch {
	case errors.As(err, &invalid):
		issues := make([]string, 0, len(invalid.Issues))
		for _, i := range invalid.Issues {
			issues = append(issues, i.String())
		}
		s.jsonResponse(w, map[string]interface{}{
			"error":  "invalid PMode configuration",
			"issues": issues,
		}, http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("error uploading PModes", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	s.logger.Info("PModes uploaded", "description", description, "warnings", len(warnings))
	s.jsonResponse(w, map[string]interface{}{"warnings": warnings}, http.StatusCreated)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	role := resolver.Sending
	if req.Role == string(resolver.Receiving) {
		role = resolver.Receiving
	}
	attrs := req.Attributes.toAttributes()
	ec, err := s.deps.Resolver.Resolve(r.Context(), &attrs, role, req.Pull)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, ResolveResponse{
		PModeKey:  ec.PModeKey(),
		Agreement: ec.Agreement,
		Sender:    ec.Sender,
		Receiver:  ec.Receiver,
		Service:   ec.Service,
		Action:    ec.Action,
		Leg:       ec.Leg,
		Mpc:       ec.Mpc,
	}, http.StatusOK)
}

func (s *Server) handleGetLeg(w http.ResponseWriter, r *http.Request) {
	leg, err := s.deps.Resolver.LegConfiguration(r.Context(), r.PathValue("pmodeKey"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := LegResponse{
		Name:               leg.Name,
		Service:            leg.ServiceName,
		Action:             leg.ActionName,
		Mpc:                leg.MpcQualifiedName(),
		Security:           leg.SecurityName,
		ReceptionAwareness: leg.ReceptionAwarenessName,
		CompressPayloads:   leg.CompressPayloads,
	}
	if ra := leg.ReceptionAwareness; ra != nil {
		resp.RetryTimeout = ra.RetryTimeout
		resp.RetryCount = ra.RetryCount
		resp.Strategy = string(ra.Strategy)
		resp.DuplicateDetection = ra.DuplicateDetection
	}
	s.jsonResponse(w, resp, http.StatusOK)
}

// Message handlers

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Messenger == nil {
		s.jsonError(w, "message submission not available", http.StatusNotImplemented)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub := &msh.Submission{
		MessageID:     req.MessageID,
		Attributes:    req.Attributes.toAttributes(),
		Pull:          req.Pull,
		NotifyBackend: req.NotifyBackend,
	}
	for _, p := range req.Payloads {
		sub.Payloads = append(sub.Payloads, msh.Payload{
			ContentID:   p.ContentID,
			ContentType: p.ContentType,
			Data:        p.Data,
		})
	}

	receipt, err := s.deps.Messenger.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, SubmitResponse{
		MessageID: receipt.MessageID,
		PModeKey:  receipt.PModeKey,
		Mpc:       receipt.Mpc,
		Pull:      receipt.Pull,
	}, http.StatusAccepted)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if s.deps.Messenger == nil {
		s.jsonError(w, "pulling not available", http.StatusNotImplemented)
		return
	}
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mpc == "" {
		s.jsonError(w, "mpc is required", http.StatusBadRequest)
		return
	}

	pulled, err := s.deps.Messenger.Pull(r.Context(), req.Mpc)
	if errors.Is(err, msh.ErrNothingToPull) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := PullResponse{MessageID: pulled.MessageID, PModeKey: pulled.PModeKey, Mpc: pulled.Mpc}
	for _, p := range pulled.Payloads {
		resp.Payloads = append(resp.Payloads, PayloadRequest{
			ContentID:   p.ContentID,
			ContentType: p.ContentType,
			Data:        p.Data,
		})
	}
	s.jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handlePullReceipt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Messenger == nil {
		s.jsonError(w, "pulling not available", http.StatusNotImplemented)
		return
	}
	var req ReceiptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	messageID := r.PathValue("messageID")
	if err := s.deps.Messenger.PullReceipt(r.Context(), messageID, req.Warning); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Request/Response types

// PartyIDRequest is a party identifier
type PartyIDRequest struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// RefRequest is a typed reference (agreement or service)
type RefRequest struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// AttributesRequest carries the business attributes of a message
type AttributesRequest struct {
	Agreement *RefRequest      `json:"agreement,omitempty"`
	From      []PartyIDRequest `json:"from"`
	To        []PartyIDRequest `json:"to"`
	Service   RefRequest       `json:"service"`
	Action    string           `json:"action"`
	Mpc       string           `json:"mpc,omitempty"`
}

func (a AttributesRequest) toAttributes() resolver.MessageAttributes {
	attrs := resolver.MessageAttributes{
		Service: resolver.ServiceRef{Value: a.Service.Value, Type: a.Service.Type},
		Action:  a.Action,
		Mpc:     a.Mpc,
	}
	if a.Agreement != nil {
		attrs.Agreement = &resolver.AgreementRef{Value: a.Agreement.Value, Type: a.Agreement.Type}
	}
	for _, p := range a.From {
		attrs.From = append(attrs.From, resolver.PartyID{Value: p.Value, Type: p.Type})
	}
	for _, p := range a.To {
		attrs.To = append(attrs.To, resolver.PartyID{Value: p.Value, Type: p.Type})
	}
	return attrs
}

// ResolveRequest asks which exchange governs a message
type ResolveRequest struct {
	Attributes AttributesRequest `json:"attributes"`
	Role       string            `json:"role,omitempty"`
	Pull       bool              `json:"pull,omitempty"`
}

// ResolveResponse is a resolved exchange
type ResolveResponse struct {
	PModeKey  string `json:"pmodeKey"`
	Agreement string `json:"agreement"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Service   string `json:"service"`
	Action    string `json:"action"`
	Leg       string `json:"leg"`
	Mpc       string `json:"mpc"`
}

// LegResponse describes a leg configuration
type LegResponse struct {
	Name               string `json:"name"`
	Service            string `json:"service"`
	Action             string `json:"action"`
	Mpc                string `json:"mpc,omitempty"`
	Security           string `json:"security,omitempty"`
	ReceptionAwareness string `json:"receptionAwareness,omitempty"`
	CompressPayloads   bool   `json:"compressPayloads"`
	RetryTimeout       int    `json:"retryTimeout,omitempty"`
	RetryCount         int    `json:"retryCount,omitempty"`
	Strategy           string `json:"strategy,omitempty"`
	DuplicateDetection bool   `json:"duplicateDetection,omitempty"`
}

// PayloadRequest is a payload; Data is base64 encoded in JSON
type PayloadRequest struct {
	ContentID   string `json:"contentId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// SubmitRequest is a message submitted by a backend
type SubmitRequest struct {
	MessageID     string            `json:"messageId,omitempty"`
	Attributes    AttributesRequest `json:"attributes"`
	Payloads      []PayloadRequest  `json:"payloads,omitempty"`
	Pull          bool              `json:"pull,omitempty"`
	NotifyBackend bool              `json:"notifyBackend,omitempty"`
}

// SubmitResponse acknowledges a submission
type SubmitResponse struct {
	MessageID string `json:"messageId"`
	PModeKey  string `json:"pmodeKey"`
	Mpc       string `json:"mpc,omitempty"`
	Pull      bool   `json:"pull"`
}

// PullRequest asks for the next message of an MPC
type PullRequest struct {
	Mpc string `json:"mpc"`
}

// PullResponse is a pulled message
type PullResponse struct {
	MessageID string           `json:"messageId"`
	PModeKey  string           `json:"pmodeKey"`
	Mpc       string           `json:"mpc"`
	Payloads  []PayloadRequest `json:"payloads,omitempty"`
}

// ReceiptRequest acknowledges a pulled message
type ReceiptRequest struct {
	Warning bool `json:"warning,omitempty"`
}

// Helper functions

// writeError maps MSH errors to HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, msh.ErrInvalidMessage):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pmode.ErrConfigurationMissing):
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, pmode.ErrInvalidPModeKey):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pmode.ErrUnknownEntity),
		errors.Is(err, reliability.ErrMessageNotFound),
		errors.Is(err, resolver.ErrNoPullProcess):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case pmode.IsResolutionError(err):
		s.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, msh.ErrPullNotSupported):
		s.jsonError(w, err.Error(), http.StatusNotImplemented)
	default:
		s.logger.Error("request failed", "error", err)
		s.jsonError(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
