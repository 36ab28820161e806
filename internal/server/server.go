// Package server exposes the hub state over HTTP: a JSON snapshot of the
// roles and aggregated values, a websocket that pushes the snapshot on every
// change, and the Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/manager"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
)

const (
	streamBuffer = 16
	writeTimeout = 5 * time.Second
)

type RoleView struct {
	Role       string `json:"role"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	Present    bool   `json:"present"`
	State      string `json:"state,omitempty"`
	Available  bool   `json:"available"`
}

// Snapshot is what /api/roles returns and /api/stream pushes. Absent values
// are null.
type Snapshot struct {
	Roles        []RoleView        `json:"roles"`
	PowerWatts   *int              `json:"powerWatts"`
	CadenceRPM   *int              `json:"cadenceRpm"`
	SpeedKMH     *float64          `json:"speedKmh"`
	HeartRateBPM *int              `json:"heartRateBpm"`
	Sources      map[string]string `json:"sources"`
}

type Server struct {
	logger   *log.Logger
	manager  *manager.Manager
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	updates   *events.ChannelEvent[Snapshot]
	dirty     chan struct{}
	done      chan struct{}
	unlistens []func()

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// New starts following m. A nil gatherer leaves /metrics out.
func New(logger *log.Logger, m *manager.Manager, gatherer prometheus.Gatherer, met *metrics.Metrics) *Server {
	if logger == nil {
		panic("Server: logger cannot be nil")
	}
	if m == nil {
		panic("Server: manager cannot be nil")
	}
	s := &Server{
		logger:   logger,
		manager:  m,
		gatherer: gatherer,
		metrics:  met,
		updates:  events.NewChannelEvent[Snapshot](false),
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	// listeners run inside manager emissions, so they only flag a change and
	// the publish loop builds the snapshot
	mark := func() {
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
	s.unlistens = append(s.unlistens,
		m.Power().Listen(func(*device.PowerSample) { mark() }),
		m.Cadence().Listen(func(*device.CadenceSample) { mark() }),
		m.Speed().Listen(func(*device.SpeedSample) { mark() }),
		m.HeartRate().Listen(func(*device.HeartRateSample) { mark() }),
		m.WatchAssignments().Listen(func(manager.Assignments) { mark() }),
	)
	for _, role := range manager.AllRoles {
		status, err := m.RoleStatus(role)
		if err != nil {
			continue
		}
		s.unlistens = append(s.unlistens, status.Listen(func(manager.RoleStatus) { mark() }))
	}

	go_func_utils.SafeGoGroup(logger, &s.wg, s.publishLoop)
	return s
}

func (s *Server) publishLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.dirty:
			if dropped := s.updates.Notify(s.Snapshot()); dropped > 0 {
				s.metrics.StreamUpdatesDropped(dropped)
			}
		}
	}
}

// Snapshot reads the current role status and aggregated values.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{Sources: make(map[string]string)}
	for _, role := range manager.AllRoles {
		view := RoleView{Role: role.String()}
		if status, err := s.manager.RoleStatus(role); err == nil {
			st := status.Value()
			view.DeviceID = st.DeviceID
			view.DeviceName = st.DeviceName
			view.Present = st.Present
			view.Available = st.Available()
			if st.Present {
				view.State = st.State.String()
			}
		}
		snap.Roles = append(snap.Roles, view)
	}
	if p := s.manager.Power().Value(); p != nil {
		snap.PowerWatts = &p.Watts
	}
	if c := s.manager.Cadence().Value(); c != nil {
		snap.CadenceRPM = &c.RPM
	}
	if v := s.manager.Speed().Value(); v != nil {
		snap.SpeedKMH = &v.KMH
	}
	if hr := s.manager.HeartRate().Value(); hr != nil {
		snap.HeartRateBPM = &hr.BPM
	}
	for _, metric := range manager.AllMetrics {
		if id, ok := s.manager.EffectiveSource(metric); ok {
			snap.Sources[metric.String()] = id
		}
	}
	return snap
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/roles", s.handleRoles)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.logger.Printf("Server: /api/roles encode: %v", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Server: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan Snapshot, streamBuffer)
	unlisten := s.updates.Listen(ch)
	defer unlisten()

	// the read side only notices the client going away
	gone := make(chan struct{})
	go_func_utils.SafeGo(s.logger, func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	if err := s.write(conn, s.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case snap := <-ch:
			if err := s.write(conn, snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, snap Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(snap); err != nil {
		s.logger.Printf("Server: stream write: %v", err)
		return err
	}
	return nil
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Printf("Server: Listening on %s", ln.Addr())
	go_func_utils.SafeGo(s.logger, func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server: Serve: %v", err)
		}
	})
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops following the manager, ends open streams and stops the
// HTTP server if it was started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	s.mu.Unlock()

	for _, unlisten := range s.unlistens {
		unlisten()
	}
	close(s.done)
	s.wg.Wait()

	if srv == nil {
		return nil
	}
	s.logger.Println("Server: Shutting down")
	return srv.Shutdown(ctx)
}
