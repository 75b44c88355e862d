// Package connection maintains the worker's socket to the dispatcher.
//
// A Manager dials a fresh Conn for every attempt, runs one read loop per Conn,
// sends heartbeats while a Conn is open, and schedules exactly one reconnect
// after each close while the session is active.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/metrics"
	"github.com/chatrelay/chatworker/internal/protocol"
	"github.com/chatrelay/chatworker/internal/state"
	"github.com/chatrelay/chatworker/internal/telemetry"
	"github.com/chatrelay/chatworker/internal/telemetry/invariants"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultInitialDelay      = 1 * time.Second

	writeTimeout = 10 * time.Second
)

// ErrNotOpen is returned when writing to a connection that is not open.
var ErrNotOpen = errors.New("connection not open")

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Session is the task side of the worker as seen by the connection.
type Session interface {
	Active() bool
	SetActive(active bool)
	HandleTask(ctx context.Context, reply protocol.Sender, taskID, prompt string) bool
}

// Config holds the dispatcher endpoint and timings.
type Config struct {
	URL               string
	APIKey            string
	WorkerID          string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	InitialDelay      time.Duration
}

// Conn is one dial attempt. A closed Conn is never reused.
type Conn struct {
	ID string

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	state      string
	lastError  error
	deliberate bool
}

func newConn() *Conn {
	return &Conn{ID: uuid.NewString(), state: state.ConnectionConnecting}
}

// State returns the lifecycle state.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent read or write error.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Conn) setError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

func (c *Conn) open(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.state = state.ConnectionOpen
	c.mu.Unlock()
}

// markClosed moves the Conn to closed and reports the previous state. ok is
// false when it was already closed.
func (c *Conn) markClosed() (previous string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == state.ConnectionClosed {
		return c.state, false
	}
	previous = c.state
	c.state = state.ConnectionClosed
	return previous, true
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	if !invariants.CheckConnectionNotReused(ctx, "connection.conn.write", c.ID, c.State() == state.ConnectionClosed) {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Status is a point-in-time view of the connection for health checks.
type Status struct {
	ConnID    string
	State     string
	LastError string
	LastPong  time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(dialer Dialer) Option {
	return func(m *Manager) {
		if dialer != nil {
			m.dialer = dialer
		}
	}
}

// WithObserver routes status and activity notifications to observer.
func WithObserver(observer control.Observer) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMachine records connection lifecycle transitions.
func WithMachine(machine *state.Machine) Option {
	return func(m *Manager) {
		if machine != nil {
			m.machine = machine
		}
	}
}

// Manager owns the dispatcher connection.
type Manager struct {
	cfg      Config
	session  Session
	dialer   Dialer
	observer control.Observer
	logger   *log.Logger
	machine  *state.Machine
	now      func() time.Time

	mu        sync.Mutex
	conn      *Conn
	dialing   bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	pending   *time.Timer
	lastPong  time.Time
	// stops counts Stop calls so a dial that straddles one can be abandoned.
	stops uint64
	wg    sync.WaitGroup
}

// New validates cfg and returns a stopped Manager.
func New(cfg Config, session Session, options ...Option) (*Manager, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return nil, fmt.Errorf("dispatcher url %q must be a ws or wss url", cfg.URL)
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		return nil, errors.New("worker id is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}

	m := &Manager{
		cfg:      cfg,
		session:  session,
		dialer:   websocket.DefaultDialer,
		observer: control.Discard,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(m)
	}
	if m.machine == nil {
		machine, err := state.NewMachine(state.Discard, "worker")
		if err != nil {
			return nil, err
		}
		m.machine = machine
	}
	return m, nil
}

// Start activates the session, starts the heartbeat and connects after the initial delay.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancelRun != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancelRun = cancel
	m.mu.Unlock()

	m.session.SetActive(true)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeat(runCtx)
	}()
	m.after(m.cfg.InitialDelay, func() {
		if err := m.Connect(runCtx); err != nil {
			m.logger.Warn("initial connect failed", "error", err)
		}
	})
}

// Stop deactivates the session and closes the connection without reconnecting.
func (m *Manager) Stop() {
	m.session.SetActive(false)

	m.mu.Lock()
	m.stops++
	cancel := m.cancelRun
	m.cancelRun = nil
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.mu.Lock()
		conn.deliberate = true
		ws := conn.ws
		conn.mu.Unlock()
		if ws != nil {
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker stopped"),
				time.Now().Add(time.Second),
			)
			_ = ws.Close()
		}
	}
}

// Wait blocks until the read loops and heartbeat have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Connect dials the dispatcher unless a connection is open or a dial is in flight.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.dialing || (m.conn != nil && m.conn.State() == state.ConnectionOpen) {
		m.mu.Unlock()
		return nil
	}
	m.dialing = true
	if m.runCtx == nil {
		m.runCtx = ctx
	}
	stops := m.stops
	m.mu.Unlock()

	conn := newConn()
	target := m.dialURL()
	m.observer.OnLog("Connecting to WebSocket...", control.SeverityInfo)
	m.observer.OnStatusChange("Connecting...", control.StateIdle)

	ctx, span := otel.Tracer("chatworker/connection").Start(ctx, "connection.dial")
	span.SetAttributes(
		attribute.String("conn_id", conn.ID),
		attribute.String("url", telemetry.Redact(target)),
	)
	ws, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		span.End()

		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
		conn.setError(err)
		m.logger.Warn("dial dispatcher", "conn_id", conn.ID, "url", telemetry.Redact(target), "error", err)
		m.observer.OnLog("WebSocket error", control.SeverityError)
		m.observer.OnStatusChange("Error", control.StateError)
		m.handleClose(ctx, conn)
		return fmt.Errorf("dial dispatcher: %w", err)
	}
	span.SetStatus(codes.Ok, "connected")
	span.End()

	m.mu.Lock()
	m.dialing = false
	if m.stops != stops || ctx.Err() != nil {
		m.mu.Unlock()
		m.abandon(ctx, conn, ws)
		return nil
	}
	conn.open(ws)
	m.conn = conn
	m.mu.Unlock()

	m.transition(ctx, conn, state.ConnectionConnecting, state.ConnectionOpen, "dial succeeded")
	metrics.ConnectionUp.Set(1)
	m.logger.Info("dispatcher connected", "conn_id", conn.ID)
	m.observer.OnLog("WebSocket connected", control.SeveritySuccess)
	m.observer.OnStatusChange("Connected", control.StateConnected)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(conn)
	}()
	return nil
}

// abandon closes a socket whose dial finished after Stop. The Conn never opens.
func (m *Manager) abandon(ctx context.Context, conn *Conn, ws *websocket.Conn) {
	conn.mu.Lock()
	conn.deliberate = true
	conn.mu.Unlock()
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker stopped"),
		time.Now().Add(time.Second),
	)
	_ = ws.Close()
	if previous, ok := conn.markClosed(); ok {
		m.transition(context.WithoutCancel(ctx), conn, previous, state.ConnectionClosed, "stopped during dial")
	}
	m.logger.Info("dial finished after stop, socket closed", "conn_id", conn.ID)
}

// Send writes frame to the open connection. Frames are dropped when no connection is open.
func (m *Manager) Send(frame any) bool {
	m.mu.Lock()
	conn := m.conn
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if conn == nil || conn.State() != state.ConnectionOpen {
		metrics.FramesDropped.Inc()
		m.logger.Debug("frame dropped, connection not open", "type", protocol.FrameType(frame))
		return false
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		m.logger.Error("encode frame", "error", err)
		return false
	}
	if err := conn.write(ctx, data); err != nil {
		conn.setError(err)
		metrics.FramesDropped.Inc()
		m.logger.Warn("write frame", "conn_id", conn.ID, "error", err)
		return false
	}
	metrics.FramesSent.WithLabelValues(protocol.FrameType(frame)).Inc()
	return true
}

// Status reports the current connection for health checks.
func (m *Manager) Status() Status {
	m.mu.Lock()
	conn := m.conn
	lastPong := m.lastPong
	m.mu.Unlock()

	status := Status{State: state.ConnectionClosed, LastPong: lastPong}
	if conn == nil {
		return status
	}
	status.ConnID = conn.ID
	status.State = conn.State()
	if err := conn.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// Probe dials the dispatcher once, waits for the registration frame and closes.
func Probe(ctx context.Context, cfg Config, dialer Dialer) Status {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	m := &Manager{cfg: cfg}
	status := Status{ConnID: uuid.NewString(), State: state.ConnectionClosed}

	ws, _, err := dialer.DialContext(ctx, m.dialURL(), nil)
	if err != nil {
		status.LastError = err.Error()
		return status
	}
	defer ws.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		status.LastError = err.Error()
		return status
	}
	frame, err := protocol.Decode(data)
	if err != nil || frame.Type != protocol.TypeConnected {
		status.LastError = fmt.Sprintf("unexpected first frame %q", data)
		return status
	}
	status.State = state.ConnectionOpen
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"),
		time.Now().Add(time.Second),
	)
	return status
}

func (m *Manager) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.mu.Lock()
			deliberate := conn.deliberate
			conn.mu.Unlock()
			if !deliberate {
				conn.setError(err)
				m.logger.Warn("read frame", "conn_id", conn.ID, "error", err)
				m.observer.OnLog("WebSocket error", control.SeverityError)
				m.observer.OnStatusChange("Error", control.StateError)
			}
			m.handleClose(m.context(), conn)
			return
		}
		m.dispatch(conn, data)
	}
}

func (m *Manager) dispatch(conn *Conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		metrics.FramesMalformed.Inc()
		m.logger.Warn("malformed frame", "conn_id", conn.ID, "error", err)
		return
	}

	switch frame.Type {
	case protocol.TypeConnected:
		m.logger.Info("registered with dispatcher", "conn_id", conn.ID, "worker_id", frame.WorkerID)
		m.observer.OnLog("Connected as "+frame.WorkerID, control.SeveritySuccess)
	case protocol.TypeTask:
		m.observer.OnLog(fmt.Sprintf("Task: %s...", control.ShortID(frame.TaskID)), control.SeverityInfo)
		m.session.HandleTask(m.context(), m, frame.TaskID, frame.Prompt)
	case protocol.TypePong:
		m.mu.Lock()
		m.lastPong = m.now()
		m.mu.Unlock()
		m.logger.Debug("pong received", "conn_id", conn.ID)
	}
}

// handleClose finalizes conn once and schedules one reconnect while the session is active.
func (m *Manager) handleClose(ctx context.Context, conn *Conn) {
	previous, ok := conn.markClosed()
	if !ok {
		return
	}
	conn.mu.Lock()
	ws := conn.ws
	deliberate := conn.deliberate
	conn.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	m.transition(ctx, conn, previous, state.ConnectionClosed, "connection closed")
	metrics.ConnectionUp.Set(0)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	runCtx := m.runCtx
	m.mu.Unlock()

	m.observer.OnLog("WebSocket closed", control.SeverityInfo)
	if deliberate || !m.session.Active() {
		return
	}
	if runCtx != nil && runCtx.Err() != nil {
		return
	}
	m.observer.OnStatusChange("Disconnected", control.StateError)
	metrics.Reconnects.Inc()
	m.logger.Info("reconnect scheduled", "conn_id", conn.ID, "delay", m.cfg.ReconnectDelay)
	m.after(m.cfg.ReconnectDelay, func() {
		if err := m.Connect(m.context()); err != nil {
			m.logger.Warn("reconnect failed", "error", err)
		}
	})
}

func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			open := m.conn != nil && m.conn.State() == state.ConnectionOpen
			m.mu.Unlock()
			if open {
				m.Send(protocol.NewPing())
			}
		}
	}
}

// after schedules fn, replacing any pending connect.
func (m *Manager) after(delay time.Duration, fn func()) {
	timer := time.AfterFunc(delay, fn)
	m.mu.Lock()
	if m.pending != nil {
		m.pending.Stop()
	}
	m.pending = timer
	m.mu.Unlock()
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

func (m *Manager) transition(ctx context.Context, conn *Conn, from, to, reason string) {
	if err := m.machine.Transition(ctx, state.EntityConnection, conn.ID, from, to, reason); err != nil {
		var persistErr *state.PersistError
		if errors.As(err, &persistErr) {
			metrics.JournalWriteErrors.WithLabelValues(string(state.EntityConnection)).Inc()
		}
		m.logger.Warn("record connection transition", "conn_id", conn.ID, "error", err)
	}
}

func (m *Manager) dialURL() string {
	parsed, err := url.Parse(strings.TrimSpace(m.cfg.URL))
	if err != nil {
		return m.cfg.URL
	}
	query := parsed.Query()
	query.Set("key", m.cfg.APIKey)
	query.Set("workerId", m.cfg.WorkerID)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

var _ protocol.Sender = (*Manager)(nil)
