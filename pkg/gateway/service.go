package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/config"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	eventBuffer = 256
)

// SessionCounter reports how many users have dialog state.
type SessionCounter interface {
	Len() int
}

// Service runs the channel adapters against one handler and exposes their
// state over HTTP.
type Service struct {
	cfg      config.GatewayConfig
	log      *slog.Logger
	eventLog *slog.Logger
	handler  channel.Handler
	channels []channel.Adapter
	events   *bus.Hub
	sessions SessionCounter

	mu             sync.RWMutex
	startedAt      time.Time
	channelStates  map[string]channelState
	counters       map[bus.EventType]int64
	agentLastErr   string
	agentLastErrAt time.Time
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status         string                  `json:"status"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	Sessions       int                     `json:"sessions"`
	Events         map[string]int64        `json:"events,omitempty"`
	AgentLastErr   string                  `json:"agent_last_error,omitempty"`
	AgentLastErrAt string                  `json:"agent_last_error_at,omitempty"`
	Channels       map[string]channelState `json:"channels"`
}

// NewService wires adapters to handler. events and sessions are optional
// and only feed the status endpoints and the event log.
func NewService(cfg config.GatewayConfig, adapters []channel.Adapter, handler channel.Handler, events *bus.Hub, sessions SessionCounter, log *slog.Logger) (*Service, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		eventLog:      log.With("component", "bus.events"),
		handler:       handler,
		channels:      adapters,
		events:        events,
		sessions:      sessions,
		channelStates: channelStates,
		counters:      make(map[bus.EventType]int64),
	}, nil
}

// Run blocks until ctx is done, every adapter has returned, or an adapter or
// the status server fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	var observers sync.WaitGroup
	defer observers.Wait()
	if s.events != nil {
		events, unsubscribe := s.events.Subscribe(ctx, eventBuffer)
		defer unsubscribe()

		observers.Add(1)
		go func() {
			defer observers.Done()
			s.observeEvents(ctx, events)
		}()
	}

	serverErrors := make(chan error, 1)
	if !s.cfg.DisableStatusServer {
		go s.runStatusServer(ctx, serverErrors)
	}

	adapterDone := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.handler)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			} else {
				err = nil
			}
			adapterDone <- err
		}()
	}

	for remaining := len(s.channels); remaining > 0; remaining-- {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErrors:
			return err
		case err := <-adapterDone:
			if err != nil {
				return err
			}
		}
	}

	s.log.Info("All channels stopped")
	return nil
}

// observeEvents counts lifecycle events and logs each one. The stream is
// buffered, so a slow log sink drops events instead of stalling handlers.
func (s *Service) observeEvents(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.record(event)
			logEvent(s.eventLog, event)
		}
	}
}

func (s *Service) record(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[event.Type]++
	if event.Type == bus.EventAgentFailed {
		s.agentLastErr = event.Error
		s.agentLastErrAt = event.At
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"channel", event.Channel,
		"user_id", event.UserID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.DialogID != "" {
		attrs = append(attrs, "dialog_id", event.DialogID)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventAgentFailed, bus.EventReplyFailed:
		log.Error("Dialog event", append(attrs, "error", event.Error)...)
	case bus.EventIngestionFailed:
		log.Warn("Dialog event", append(attrs, "error", event.Error)...)
	case bus.EventDialogOpened, bus.EventDialogClosed, bus.EventDialogRated:
		log.Info("Dialog event", attrs...)
	default:
		log.Debug("Dialog event", attrs...)
	}
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /statusz", s.handleStatus)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}

	s.respondStatus(w, http.StatusOK, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	sessions := 0
	if s.sessions != nil {
		sessions = s.sessions.Len()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	events := make(map[string]int64, len(s.counters))
	for eventType, count := range s.counters {
		events[string(eventType)] = count
	}

	agentLastErrAt := ""
	if !s.agentLastErrAt.IsZero() {
		agentLastErrAt = s.agentLastErrAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:         status,
		UptimeSeconds:  uptime,
		Sessions:       sessions,
		Events:         events,
		AgentLastErr:   s.agentLastErr,
		AgentLastErrAt: agentLastErrAt,
		Channels:       channels,
	}
}

// isReady reports whether at least one channel is running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
