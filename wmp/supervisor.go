package wmp

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventType tags supervisor events delivered to the bus adapter.
type EventType int

const (
	// EventConnected fires after the identify exchange; the session exists
	// but has not passed the readiness probe yet.
	EventConnected EventType = iota
	// EventReady fires when the session is promoted to steady state.
	EventReady
	// EventClosed fires when the session's socket closed, intentionally
	// or not.
	EventClosed
	// EventUpdate carries one feature change from a ready session.
	EventUpdate
)

// Event is one session lifecycle or feature-change signal.
type Event struct {
	Type   EventType
	MAC    string
	Device Device
	Client *Client
	Update Update
}

// Supervisor owns the per-device connection lifecycle: connect, identify,
// limits warm-up, readiness probing, steady state, reconnect with delay.
// It also maintains the MAC-to-session registry and runs the keep-alive
// scheduler over ready sessions.
type Supervisor struct {
	log log.FieldLogger

	// dial is swappable for tests.
	dial func(Device, log.FieldLogger) (*Client, error)

	ReconnectDelay    time.Duration
	ReadyProbeDelay   time.Duration
	ReadyCheckDelay   time.Duration
	KeepAliveInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Client

	events chan Event
}

// NewSupervisor creates a supervisor with the protocol's default timings.
func NewSupervisor(logger log.FieldLogger) *Supervisor {
	return &Supervisor{
		log:               logger,
		dial:              Dial,
		ReconnectDelay:    ReconnectDelay,
		ReadyProbeDelay:   ReadyProbeDelay,
		ReadyCheckDelay:   ReadyCheckDelay,
		KeepAliveInterval: KeepAliveInterval,
		sessions:          make(map[string]*Client),
		events:            make(chan Event, 64),
	}
}

// Events returns the stream the bus adapter consumes.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Lookup returns the live session owning mac, or nil.
func (s *Supervisor) Lookup(mac string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[mac]
}

// Sessions returns a snapshot of all live sessions.
func (s *Supervisor) Sessions() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, c)
	}
	return out
}

// Watch runs the connection lifecycle for one device descriptor until the
// context ends or the session is closed intentionally. A non-intentional
// close schedules exactly one reconnect attempt after the fixed delay,
// indefinitely.
func (s *Supervisor) Watch(ctx context.Context, device Device) {
	dlog := s.log.WithField("device", device.Addr())
	for {
		if ctx.Err() != nil {
			return
		}
		client, err := s.dial(device, s.log)
		if err != nil {
			dlog.Errorf("%v, retrying within %s", err, s.ReconnectDelay)
			if !sleepCtx(ctx, s.ReconnectDelay) {
				return
			}
			continue
		}

		dlog.Infof("connected with MAC %s of type %s", client.MAC(), device.Type)
		if device.OffMode {
			dlog.Infof("device %s configured in off mode", client.MAC())
		}
		dlog.Infof("device %s keep alive configured in %s mode", client.MAC(), device.KeepAlive)

		s.adopt(client)
		s.runSession(ctx, client)
		s.release(client)
		s.emit(Event{Type: EventClosed, MAC: client.MAC(), Device: device, Client: client})

		if client.Disconnecting() {
			dlog.Info("session closed intentionally, not reconnecting")
			return
		}
		dlog.Warnf("connection forcefully closed, retrying within %s", s.ReconnectDelay)
		if !sleepCtx(ctx, s.ReconnectDelay) {
			return
		}
	}
}

// adopt installs the session in the registry. A live session already
// owning the same MAC is told to disconnect gracefully before the new one
// takes over the slot.
func (s *Supervisor) adopt(c *Client) {
	s.mu.Lock()
	old := s.sessions[c.MAC()]
	s.sessions[c.MAC()] = c
	s.mu.Unlock()
	if old != nil {
		s.log.Warnf("replacing existing session for MAC %s", c.MAC())
		old.Disconnect()
	}
}

// release clears the registry entry if this session still owns it.
func (s *Supervisor) release(c *Client) {
	s.mu.Lock()
	if s.sessions[c.MAC()] == c {
		delete(s.sessions, c.MAC())
	}
	s.mu.Unlock()
}

// runSession drives one session from connected through readiness probing
// to steady state, then pumps its update stream until the socket closes.
func (s *Supervisor) runSession(ctx context.Context, client *Client) {
	s.emit(Event{Type: EventConnected, MAC: client.MAC(), Device: client.Device(), Client: client})

	if !s.waitReady(ctx, client) {
		// closed or cancelled during warm-up
		s.drainUntilClosed(ctx, client)
		return
	}

	client.setReady(true)
	s.log.Infof("device %s finished initializing and is ready", client.MAC())
	s.emit(Event{Type: EventReady, MAC: client.MAC(), Device: client.Device(), Client: client})

	for {
		select {
		case u, ok := <-client.Updates():
			if !ok {
				return
			}
			s.emit(Event{Type: EventUpdate, MAC: client.MAC(), Device: client.Device(), Client: client, Update: u})
		case <-ctx.Done():
			client.Disconnect()
			s.drainUntilClosed(context.Background(), client)
			return
		}
	}
}

// waitReady issues a status refresh and polls the readiness predicate
// until it holds. There is no maximum retry count; the loop ends only on
// readiness, session close or cancellation.
func (s *Supervisor) waitReady(ctx context.Context, client *Client) bool {
	if err := client.Refresh(); err != nil {
		s.log.Warnf("status refresh for %s failed: %v", client.MAC(), err)
	}
	delay := s.ReadyProbeDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-client.Done():
			return false
		case <-time.After(delay):
		}
		if client.isReady() {
			return true
		}
		s.log.Infof("device %s is not ready yet, will check again in %s", client.MAC(), s.ReadyCheckDelay)
		delay = s.ReadyCheckDelay
		if err := client.Refresh(); err != nil {
			s.log.Warnf("status refresh for %s failed: %v", client.MAC(), err)
		}
	}
}

// drainUntilClosed consumes leftover updates so the session's read loop is
// never blocked while it shuts down.
func (s *Supervisor) drainUntilClosed(ctx context.Context, client *Client) {
	for {
		select {
		case _, ok := <-client.Updates():
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) emit(e Event) {
	s.events <- e
}

// KeepAlive runs the keep-alive scheduler: one pass per interval over all
// ready sessions, dispatching by each device's configured strategy. A
// failing device never aborts the pass for the others.
func (s *Supervisor) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, client := range s.Sessions() {
				if !client.Ready() {
					continue
				}
				go s.keepAliveSession(client)
			}
		}
	}
}

func (s *Supervisor) keepAliveSession(client *Client) {
	mac := client.MAC()
	var err error
	switch client.Device().KeepAlive {
	case KeepAliveOff, "":
		return
	case KeepAliveID:
		_, err = client.Identify()
		s.log.Debugf("keepalive: keeping alive MAC %s by ID", mac)
	case KeepAlivePing:
		err = client.Ping()
		s.log.Debugf("keepalive: keeping alive MAC %s by PING", mac)
	case KeepAlivePolling:
		err = client.Refresh()
		s.log.Debugf("keepalive: keeping alive MAC %s by polling", mac)
	default:
		s.log.Warnf("keepalive: unknown strategy %q for MAC %s", client.Device().KeepAlive, mac)
		return
	}
	if err != nil {
		s.log.Warnf("keepalive failure for MAC %s (connection dead?): %v", mac, err)
	}
}

// sleepCtx waits d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
