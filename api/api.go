package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fosrl/dnshole/logger"
	"github.com/fosrl/dnshole/netmon"
	"github.com/fosrl/dnshole/supervisor"
	"github.com/fosrl/dnshole/tunnel"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

// StartRequest is the body of POST /start.
type StartRequest struct {
	Notification string `json:"notification"`
}

// StatusMessage is one state report, sent by /status and streamed by /events.
type StatusMessage struct {
	State   int       `json:"state"`
	Name    string    `json:"name"`
	Session string    `json:"session,omitempty"`
	At      time.Time `json:"at"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	StatusMessage
	Version string        `json:"version,omitempty"`
	Stats   *tunnel.Stats `json:"stats,omitempty"`
}

// BlocklistResponse is returned by the blocklist endpoint.
type BlocklistResponse struct {
	Hosts   int      `json:"hosts"`
	Sources []string `json:"sources"`
}

// StatusSource is where state reports come from.
type StatusSource interface {
	Status() supervisor.Event
	Subscribe() (<-chan supervisor.Event, func())
}

// API represents the HTTP server and its state
type API struct {
	addr             string
	socketPath       string
	listener         net.Listener
	server           *http.Server
	startChan        chan StartRequest
	stopChan         chan struct{}
	shutdownChan     chan struct{}
	connectivityChan chan netmon.Event
	done             chan struct{}
	doneOnce         sync.Once

	statusMu         sync.RWMutex
	source           StatusSource
	stats            func() (tunnel.Stats, bool)
	version          string
	blocklistHosts   int
	blocklistSources []string
}

// NewAPI creates a new HTTP server that listens on a TCP address
func NewAPI(addr string) *API {
	s := newAPI()
	s.addr = addr
	return s
}

// NewAPISocket creates a new HTTP server that listens on a Unix socket
func NewAPISocket(socketPath string) *API {
	s := newAPI()
	s.socketPath = socketPath
	return s
}

func newAPI() *API {
	return &API{
		startChan:        make(chan StartRequest, 1),
		stopChan:         make(chan struct{}, 1),
		shutdownChan:     make(chan struct{}, 1),
		connectivityChan: make(chan netmon.Event, 4),
		done:             make(chan struct{}),
	}
}

// Handler returns the router serving every endpoint.
func (s *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/exit", s.handleExit)
	r.Post("/connectivity", s.handleConnectivity)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/blocklist", s.handleBlocklist)
	return r
}

// Start starts the HTTP server
func (s *API) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	if s.socketPath != "" {
		s.listener, err = createSocketListener(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("Starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("Starting HTTP server on %s", s.addr)
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the HTTP server and closes open event streams
func (s *API) Stop() error {
	logger.Info("Stopping api server")
	s.doneOnce.Do(func() { close(s.done) })

	if s.server != nil {
		s.server.Close()
	}

	if s.socketPath != "" {
		cleanupSocket(s.socketPath)
	}

	return nil
}

// GetStartChannel returns the channel for receiving start requests
func (s *API) GetStartChannel() <-chan StartRequest {
	return s.startChan
}

// GetStopChannel returns the channel for receiving stop requests
func (s *API) GetStopChannel() <-chan struct{} {
	return s.stopChan
}

// GetShutdownChannel returns the channel for receiving shutdown requests
func (s *API) GetShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

// GetConnectivityChannel returns the channel for receiving connectivity changes
func (s *API) GetConnectivityChannel() <-chan netmon.Event {
	return s.connectivityChan
}

// SetStatusSource sets where /status and /events read state from
func (s *API) SetStatusSource(src StatusSource) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.source = src
}

// SetStatsProvider sets the function reporting counters of the running session
func (s *API) SetStatsProvider(fn func() (tunnel.Stats, bool)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.stats = fn
}

// SetVersion sets the reported version
func (s *API) SetVersion(version string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.version = version
}

// SetBlocklist records the size of the blocklist loaded by the current session
func (s *API) SetBlocklist(hosts int, sources []string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.blocklistHosts = hosts
	s.blocklistSources = append([]string(nil), sources...)
}

func newStatusMessage(ev supervisor.Event) (StatusMessage, error) {
	name, err := ev.State.MarshalText()
	if err != nil {
		return StatusMessage{}, err
	}
	return StatusMessage{
		State:   int(ev.State),
		Name:    string(name),
		Session: ev.Session,
		At:      ev.At,
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleStart handles the /start endpoint
func (s *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Notification == "" {
		req.Notification = "api"
	}

	logger.Info("Received start request via API (%s)", req.Notification)

	select {
	case s.startChan <- req:
	default:
		http.Error(w, "Start already in progress", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "start request accepted",
	})
}

// handleStop handles the /stop endpoint
func (s *API) handleStop(w http.ResponseWriter, r *http.Request) {
	logger.Info("Received stop request via API")

	select {
	case s.stopChan <- struct{}{}:
	default:
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "stop initiated",
	})
}

// handleExit handles the /exit endpoint
func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	logger.Info("Received exit request via API")

	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "shutdown initiated",
	})
}

// handleConnectivity handles the /connectivity endpoint
func (s *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var ev netmon.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	select {
	case s.connectivityChan <- ev:
	case <-r.Context().Done():
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "connectivity change accepted",
	})
}

// handleStatus handles the /status endpoint
func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	src, statsFn, version := s.source, s.stats, s.version
	s.statusMu.RUnlock()

	if src == nil {
		http.Error(w, "Status not available", http.StatusServiceUnavailable)
		return
	}

	msg, err := newStatusMessage(src.Status())
	if err != nil {
		logger.Error("Invalid status: %v", err)
		http.Error(w, "Invalid status", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{StatusMessage: msg, Version: version}
	if statsFn != nil {
		if stats, ok := statsFn(); ok {
			resp.Stats = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBlocklist handles the /blocklist endpoint
func (s *API) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	resp := BlocklistResponse{
		Hosts:   s.blocklistHosts,
		Sources: append([]string{}, s.blocklistSources...),
	}
	s.statusMu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams every state transition over a websocket
func (s *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	src := s.source
	s.statusMu.RUnlock()

	if src == nil {
		http.Error(w, "Status not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := src.Subscribe()
	defer unsubscribe()

	// The client never sends anything; reading only detects that it left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := newStatusMessage(ev)
			if err != nil {
				logger.Error("Invalid status event: %v", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("Event stream closed: %v", err)
				return
			}
		}
	}
}
