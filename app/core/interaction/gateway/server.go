package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/engine"
	"lembra/app/core/orchestrator/users"
	"lembra/app/pkg/logger"
	"lembra/app/pkg/types"
)

const defaultMaxBody = 1 << 20

// Users resolves a channel account to the unified user.
type Users interface {
	FindOrCreateByAccount(ctx context.Context, provider, externalID, name, phone string) (users.User, error)
}

// TurnHandler runs one conversation turn. It never fails; failures come
// back as an apology reply.
type TurnHandler interface {
	HandleTurn(ctx context.Context, in types.Turn) engine.Reply
}

type Options struct {
	Port            int
	TurnTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	opts     Options
	users    Users
	turns    TurnHandler
	logger   *zap.Logger
	adapters map[string]types.Adapter

	mu             sync.RWMutex
	tracer         TraceRecorder
	statusProvider func(context.Context) map[string]interface{}

	received    atomic.Uint64
	ignored     atomic.Uint64
	rejected    atomic.Uint64
	failedTurns atomic.Uint64
	sendErrors  atomic.Uint64
	lastMessage atomic.Int64
	startedUnix atomic.Int64
}

type HealthStatus struct {
	Started     bool                   `json:"started"`
	StartedAt   string                 `json:"started_at,omitempty"`
	UptimeSec   int64                  `json:"uptime_sec"`
	Adapters    []string               `json:"adapters"`
	Received    uint64                 `json:"received"`
	Ignored     uint64                 `json:"ignored"`
	Rejected    uint64                 `json:"rejected"`
	FailedTurns uint64                 `json:"failed_turns"`
	SendErrors  uint64                 `json:"send_errors"`
	LastMessage string                 `json:"last_message_at,omitempty"`
	Runtime     map[string]interface{} `json:"runtime,omitempty"`
}

func New(u Users, turns TurnHandler, opts Options, log *zap.Logger) *Server {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	return &Server{
		opts:     opts,
		users:    u,
		turns:    turns,
		logger:   logger.OrNop(log).Named("gateway"),
		adapters: make(map[string]types.Adapter),
	}
}

// RegisterAdapter must be called before Start.
func (s *Server) RegisterAdapter(a types.Adapter) {
	s.adapters[a.ID()] = a
	s.logger.Info("adapter registered", zap.String("provider", a.ID()))
}

func (s *Server) SetTraceRecorder(tracer TraceRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = tracer
}

// SetStatusProvider adds runtime details (queue, scheduler) to /health.
func (s *Server) SetStatusProvider(provider func(context.Context) map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusProvider = provider
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /webhook/{provider}", s.handleHandshake)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.startedUnix.Store(time.Now().Unix())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("listening", zap.Int("port", s.opts.Port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	adapter, ok := s.adapters[provider]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !adapter.Verify(r, body) {
		s.rejected.Add(1)
		s.logger.Warn("webhook rejected", zap.String("provider", provider))
		s.trace(TraceEvent{Provider: provider, Event: "verify", Status: "error"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	in, ok := adapter.ParseIncoming(body)
	if !ok {
		s.ignored.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	s.received.Add(1)
	s.lastMessage.Store(time.Now().Unix())

	s.deliver(r.Context(), adapter, in)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// deliver runs the turn and always attempts to send a reply. The turn uses
// its own deadline so a dropped webhook connection does not cut it short.
func (s *Server) deliver(parent context.Context, adapter types.Adapter, in types.Incoming) {
	provider := adapter.ID()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.TurnTimeout)
	defer cancel()

	event := TraceEvent{Provider: provider, ExternalID: in.ExternalID, MessageID: in.MessageID}
	text := engine.FailureReply

	user, err := s.users.FindOrCreateByAccount(ctx, provider, in.ExternalID, in.SenderName, in.Phone)
	if err != nil {
		s.failedTurns.Add(1)
		s.logger.Error("resolve user failed",
			zap.String("provider", provider),
			zap.String("external_id", in.ExternalID),
			zap.Error(err))
		event.Event, event.Status, event.Detail = "resolve_user", "error", err.Error()
		s.trace(event)
	} else {
		event.UserID = user.ID
		ts := in.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		reply := s.turns.HandleTurn(ctx, types.Turn{
			UserID:    user.ID,
			Provider:  provider,
			Text:      in.Text,
			Timestamp: ts,
		})
		text = reply.Text
		event.ConversationID = reply.ConversationID
		event.Event, event.Status, event.Detail = "turn", "ok", string(reply.State)
		if reply.Failed {
			s.failedTurns.Add(1)
			event.Status = "error"
		}
		s.trace(event)
	}

	event.Detail = ""
	if err := adapter.Send(ctx, in.ExternalID, text); err != nil {
		s.sendErrors.Add(1)
		s.logger.Warn("send reply failed",
			zap.String("provider", provider),
			zap.String("external_id", in.ExternalID),
			zap.Error(err))
		event.Event, event.Status, event.Detail = "send", "error", err.Error()
		s.trace(event)
		return
	}
	event.Event, event.Status = "send", "ok"
	s.trace(event)

	if marker, ok := adapter.(types.ReadMarker); ok && in.MessageID != "" {
		if err := marker.MarkRead(ctx, in.MessageID); err != nil {
			s.logger.Debug("mark read failed", zap.String("provider", provider), zap.Error(err))
		}
	}
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.adapters[r.PathValue("provider")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	hs, ok := adapter.(types.Handshaker)
	if !ok {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	challenge, ok := hs.Handshake(r.URL.Query())
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health(r.Context()))
}

func (s *Server) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Adapters:    make([]string, 0, len(s.adapters)),
		Received:    s.received.Load(),
		Ignored:     s.ignored.Load(),
		Rejected:    s.rejected.Load(),
		FailedTurns: s.failedTurns.Load(),
		SendErrors:  s.sendErrors.Load(),
	}
	for id := range s.adapters {
		status.Adapters = append(status.Adapters, id)
	}
	sort.Strings(status.Adapters)

	if started := s.startedUnix.Load(); started > 0 {
		startAt := time.Unix(started, 0).UTC()
		status.Started = true
		status.StartedAt = startAt.Format(time.RFC3339)
		status.UptimeSec = max(int64(time.Since(startAt).Seconds()), 0)
	}
	if last := s.lastMessage.Load(); last > 0 {
		status.LastMessage = time.Unix(last, 0).UTC().Format(time.RFC3339)
	}

	s.mu.RLock()
	provider := s.statusProvider
	s.mu.RUnlock()
	if provider != nil {
		status.Runtime = provider(ctx)
	}
	return status
}

func (s *Server) trace(event TraceEvent) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	if tracer == nil {
		return
	}
	if err := tracer.Record(event); err != nil {
		s.logger.Debug("trace record failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
