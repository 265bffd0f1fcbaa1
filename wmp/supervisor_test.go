package wmp

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

// serveDevice is an autoresponder playing a healthy device: it answers the
// identify exchange, limits queries, acknowledges writes and reports an
// initialized unit on refresh. Every received line is teed into tap.
func serveDevice(conn net.Conn, mac string, tap chan<- string) {
	reply := func(lines ...string) bool {
		for _, l := range lines {
			if _, err := conn.Write([]byte(l + "\r\n")); err != nil {
				return false
			}
		}
		return true
	}
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if tap != nil {
			select {
			case tap <- line:
			default:
			}
		}
		ok := true
		switch {
		case line == MsgID:
			ok = reply("ID:ModelX," + mac + ",10.0.0.5,1,1.2,-50")
		case strings.HasPrefix(line, MsgLimits+":"):
			feature := strings.TrimPrefix(line, MsgLimits+":")
			switch feature {
			case FeatOnOff:
				ok = reply("LIMITS:ONOFF,[ON,OFF]")
			case FeatMode:
				ok = reply("LIMITS:MODE,[AUTO,HEAT,DRY,FAN,COOL]")
			case FeatSetpoint:
				ok = reply("LIMITS:SETPTEMP,[180,300]")
			default:
				ok = reply("LIMITS:" + feature + ",[]")
			}
		case strings.HasPrefix(line, MsgGet+","):
			ok = reply("CHN,1:ONOFF,ON", "CHN,1:MODE,COOL", "CHN,1:AMBTEMP,215", "CHN,1:SETPTEMP,220")
		case strings.HasPrefix(line, MsgSet+","), line == MsgPing:
			ok = reply("ACK")
		}
		if !ok {
			return
		}
	}
}

func discardLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestSupervisor() *Supervisor {
	s := NewSupervisor(discardLogger())
	s.ReconnectDelay = 10 * time.Millisecond
	s.ReadyProbeDelay = 5 * time.Millisecond
	s.ReadyCheckDelay = 10 * time.Millisecond
	s.KeepAliveInterval = 10 * time.Millisecond
	return s
}

// dialFake installs a dial function backed by serveDevice and returns a
// counter of dial attempts plus access to the most recent device-side conn.
func dialFake(s *Supervisor, mac string) (dials func() int, lastConn func() net.Conn) {
	var mu sync.Mutex
	count := 0
	var conn net.Conn
	s.dial = func(device Device, logger log.FieldLogger) (*Client, error) {
		devEnd, cliEnd := net.Pipe()
		go serveDevice(devEnd, mac, nil)
		c := newClient(cliEnd, device, logger)
		if err := c.handshake(); err != nil {
			cliEnd.Close()
			return nil, err
		}
		mu.Lock()
		count++
		conn = devEnd
		mu.Unlock()
		return c, nil
	}
	dials = func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
	lastConn = func() net.Conn {
		mu.Lock()
		defer mu.Unlock()
		return conn
	}
	return dials, lastConn
}

func awaitEvent(t *testing.T, s *Supervisor, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", typ)
		}
	}
}

func TestWatchLifecycle(t *testing.T) {
	const mac = "AA:BB:CC:DD:EE:FF"
	s := newTestSupervisor()
	dials, lastConn := dialFake(s, mac)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		s.Watch(ctx, DefaultDevice("10.0.0.5", false))
		close(watchDone)
	}()

	ev := awaitEvent(t, s, EventReady)
	if ev.MAC != mac {
		t.Errorf("ready event MAC = %q", ev.MAC)
	}
	if !ev.Client.Ready() {
		t.Error("session not marked ready")
	}
	if s.Lookup(mac) != ev.Client {
		t.Error("ready session not registered under its MAC")
	}

	// a forceful close must trigger a reconnect after the delay
	lastConn().Close()
	awaitEvent(t, s, EventClosed)
	awaitEvent(t, s, EventReady)
	if n := dials(); n < 2 {
		t.Errorf("dial count after forced close = %d, want at least 2", n)
	}

	// an intentional disconnect must end the watch without reconnecting
	s.Lookup(mac).Disconnect()
	awaitEvent(t, s, EventClosed)
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch still running after intentional disconnect")
	}
	if s.Lookup(mac) != nil {
		t.Error("registry still holds the closed session")
	}
}

func TestWatchRetriesFailedDial(t *testing.T) {
	const mac = "AA:BB:CC:DD:EE:FF"
	s := newTestSupervisor()
	var mu sync.Mutex
	attempts := 0
	s.dial = func(device Device, logger log.FieldLogger) (*Client, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, &TimeoutError{Cmd: "dial"}
		}
		devEnd, cliEnd := net.Pipe()
		go serveDevice(devEnd, mac, nil)
		c := newClient(cliEnd, device, logger)
		if err := c.handshake(); err != nil {
			cliEnd.Close()
			return nil, err
		}
		return c, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, DefaultDevice("10.0.0.5", false))

	awaitEvent(t, s, EventReady)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("dial attempts = %d, want 2", attempts)
	}
}

func TestAdoptReplacesExistingSession(t *testing.T) {
	s := newTestSupervisor()
	logger := discardLogger()

	mkClient := func() *Client {
		devEnd, cliEnd := net.Pipe()
		go serveDevice(devEnd, "AA:BB:CC:DD:EE:FF", nil)
		c := newClient(cliEnd, DefaultDevice("10.0.0.5", false), logger)
		if err := c.handshake(); err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
		return c
	}
	first := mkClient()
	second := mkClient()

	s.adopt(first)
	s.adopt(second)

	if !first.Disconnecting() {
		t.Error("replaced session was not told to disconnect")
	}
	if s.Lookup(first.MAC()) != second {
		t.Error("registry does not point at the replacement session")
	}

	// stale release must not evict the new owner
	s.release(first)
	if s.Lookup(second.MAC()) != second {
		t.Error("stale release evicted the live session")
	}
	s.release(second)
	if s.Lookup(second.MAC()) != nil {
		t.Error("session still registered after release")
	}
	second.Disconnect()
}

func TestKeepAliveStrategies(t *testing.T) {
	const mac = "AA:BB:CC:DD:EE:FF"
	mkClient := func(t *testing.T, strategy string) (*Client, chan string) {
		t.Helper()
		devEnd, cliEnd := net.Pipe()
		tap := make(chan string, 64)
		go serveDevice(devEnd, mac, tap)
		device := DefaultDevice("10.0.0.5", false)
		device.KeepAlive = strategy
		c := newClient(cliEnd, device, discardLogger())
		if err := c.handshake(); err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
		t.Cleanup(func() { c.shutdown() })
		// drop the handshake traffic from the tap
		for len(tap) > 0 {
			<-tap
		}
		return c, tap
	}

	tests := []struct {
		strategy string
		want     string
	}{
		{KeepAliveID, "ID"},
		{KeepAlivePing, "PING"},
		{KeepAlivePolling, "GET,1:*"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			s := newTestSupervisor()
			c, tap := mkClient(t, tt.strategy)
			s.keepAliveSession(c)
			select {
			case got := <-tap:
				if got != tt.want {
					t.Errorf("keep-alive sent %q, want %q", got, tt.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("keep-alive sent nothing")
			}
		})
	}

	t.Run(KeepAliveOff, func(t *testing.T) {
		s := newTestSupervisor()
		c, tap := mkClient(t, KeepAliveOff)
		s.keepAliveSession(c)
		select {
		case got := <-tap:
			t.Errorf("keep-alive off sent %q", got)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestKeepAliveSkipsSessionsNotReady(t *testing.T) {
	const mac = "AA:BB:CC:DD:EE:FF"
	s := newTestSupervisor()
	devEnd, cliEnd := net.Pipe()
	tap := make(chan string, 64)
	go serveDevice(devEnd, mac, tap)
	device := DefaultDevice("10.0.0.5", false)
	device.KeepAlive = KeepAlivePing
	c := newClient(cliEnd, device, discardLogger())
	if err := c.handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer c.shutdown()
	for len(tap) > 0 {
		<-tap
	}
	s.adopt(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.KeepAlive(ctx)

	select {
	case got := <-tap:
		t.Fatalf("keep-alive touched a session before readiness: %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	c.setReady(true)
	select {
	case got := <-tap:
		if got != MsgPing {
			t.Errorf("keep-alive sent %q, want PING", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive never touched the ready session")
	}
}
