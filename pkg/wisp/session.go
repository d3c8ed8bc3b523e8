package wisp

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// timeouts bundles every deadline the session enforces. All of them are
// wall-clock; none are iteration-count-based.
type timeouts struct {
	// Connect bounds the sync handshake after connecting (hard).
	Connect time.Duration

	// Create bounds one endpoint's negotiation to READY/STREAMING (hard).
	Create time.Duration

	// Control bounds the wait for a control change confirmation (soft).
	Control time.Duration

	// Teardown bounds one slot's disconnect wait during teardown (soft).
	Teardown time.Duration

	// Batch is the shared deadline covering a whole CreateAll call.
	Batch time.Duration

	// CreatePause is the breather between successful creations.
	CreatePause time.Duration
}

func defaultTimeouts() timeouts {
	return timeouts{
		Connect:     5 * time.Second,
		Create:      5 * time.Second,
		Control:     2 * time.Second,
		Teardown:    time.Second,
		Batch:       10 * time.Second,
		CreatePause: 100 * time.Millisecond,
	}
}

// pollInterval is the yield between condition checks in pollUntil.
const pollInterval = 5 * time.Millisecond

// Session owns the single connection to the audio server and the slot
// table of endpoint state machines driven by its notifications. No stream
// operation is valid while the session is closed.
type Session struct {
	logger *zap.SugaredLogger

	server AudioServer

	// opMu serializes top-level operations (open, create, set-control,
	// teardown): notification handlers mutate shared slot state and are not
	// reentrant-safe, so concurrent callers get one critical section each.
	opMu sync.Mutex

	// mu guards the slot table and session flags against the server's
	// notification goroutine. It is held only during state mutation and
	// condition checks, never across a blocking wait or a server call.
	mu       sync.Mutex
	open     bool
	syncDone bool
	slots    *slotTable

	timeouts timeouts

	// scratch zero buffer reused by the silence writer; only touched from
	// the notification goroutine.
	silence []byte
}

// NewSession creates a closed session over the given server with a slot
// table of the given capacity. Open (or CreateAll) brings it up.
func NewSession(logger *zap.SugaredLogger, server AudioServer, capacity int) *Session {
	return &Session{
		logger:   logger.Named("session"),
		server:   server,
		slots:    newSlotTable(capacity),
		timeouts: defaultTimeouts(),
	}
}

// IsOpen reports whether the session currently holds a live connection.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open
}

// Open establishes the connection and performs the sync handshake. It
// always tears down any previous instance first, so re-opening is safe and
// idempotent. On failure every partially created resource is released
// before returning.
func (s *Session) Open() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.openLocked()
}

func (s *Session) openLocked() error {
	// a half-dead previous session must not leak into the new one
	s.closeLocked()

	s.server.SetListener(s.handleEvent)

	if err := s.server.Connect(); err != nil {
		s.server.SetListener(nil)
		s.logger.Warnw("Failed to connect to audio server", "error", err)

		return fmt.Errorf("connect to audio server: %w", err)
	}

	s.mu.Lock()
	s.syncDone = false
	s.mu.Unlock()

	if err := s.server.Sync(); err != nil {
		s.disconnectServer()

		return fmt.Errorf("request server sync: %w", err)
	}

	done := s.pollUntil(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		return s.syncDone
	}, s.timeouts.Connect)

	if !done {
		s.disconnectServer()
		s.logger.Warnw("Timed out waiting for server handshake", "timeout", s.timeouts.Connect)

		return fmt.Errorf("server handshake: %w", ErrTimeout)
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()

	s.logger.Debug("Session opened")

	return nil
}

// Close releases every bound slot and disconnects. Closing an already
// closed session is a no-op, and a session that never fully opened is safe
// to close as well.
func (s *Session) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.closeLocked()
}

func (s *Session) closeLocked() {
	s.mu.Lock()
	indexes := s.slots.boundIndexes()
	s.mu.Unlock()

	for _, index := range indexes {
		s.releaseSlot(index)
	}

	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()

	if !wasOpen {
		return
	}

	s.disconnectServer()
	s.logger.Debug("Session closed")
}

func (s *Session) disconnectServer() {
	if err := s.server.Disconnect(); err != nil {
		s.logger.Warnw("Failed to disconnect from audio server", "error", err)
	}

	s.server.SetListener(nil)
}

// releaseSlot tears one slot down completely: listener first so callbacks
// can't fire into it, then disconnect with a bounded wait, then destroy and
// reset. A disconnect timeout here is logged, not fatal.
func (s *Session) releaseSlot(index int) {
	s.mu.Lock()
	sl := s.slots.get(index)
	if sl == nil || !sl.bound {
		s.mu.Unlock()
		return
	}
	handle := sl.handle
	name := sl.desc.Name
	s.mu.Unlock()

	s.server.RemoveStreamListener(handle)

	if err := s.server.DisconnectStream(handle); err != nil {
		s.logger.Warnw("Failed to request stream disconnect", "endpoint", name, "error", err)
	} else {
		disconnected := s.pollUntil(func() bool {
			state, err := s.server.StreamState(handle)

			return err != nil || state == StateUnconnected
		}, s.timeouts.Teardown)

		if !disconnected {
			s.logger.Warnw("Timed out waiting for stream to disconnect",
				"endpoint", name,
				"timeout", s.timeouts.Teardown)
		}
	}

	if err := s.server.DestroyStream(handle); err != nil {
		s.logger.Warnw("Failed to destroy stream", "endpoint", name, "error", err)
	}

	s.mu.Lock()
	s.slots.release(index)
	s.mu.Unlock()

	s.logger.Debugw("Released endpoint slot", "slot", index, "endpoint", name)
}

// pollUntil repeatedly evaluates cond until it reports true or the
// wall-clock deadline passes. Notifications are observed between checks as
// the server's goroutine delivers them; this is the single bounded-wait
// primitive every blocking operation in the session goes through.
func (s *Session) pollUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		if cond() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(pollInterval)
	}
}

// handleEvent is the single listener for server notifications. It runs on
// the server's reader goroutine and takes s.mu for any slot mutation.
func (s *Session) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case DoneEvent:
		s.mu.Lock()
		s.syncDone = true
		s.mu.Unlock()

	case ConnectionErrorEvent:
		// logged, not fatal at this layer; waiting operations observe the
		// problem through their own deadlines
		s.logger.Warnw("Audio server reported connection error", "error", ev.Err)

	case StreamStateEvent:
		s.applyStateChange(ev)

	case StreamControlEvent:
		s.applyControlInfo(ev)

	case StreamBufferEvent:
		s.handleBufferRequest(ev)

	case StreamGoneEvent:
		s.handleStreamGone(ev)
	}
}
