package wmp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by session operations after the connection closed.
var ErrClosed = errors.New("wmp: connection closed")

// TimeoutError is returned when a command received no response within its
// deadline. It carries the original command for diagnostics.
type TimeoutError struct {
	Cmd string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wmp: timeout waiting for response to %q", e.Cmd)
}

// pendingRequest is one slot in the session's correlation queue. A slot
// whose caller timed out is marked orphaned; the response that eventually
// matches it is logged and dropped instead of being delivered.
type pendingRequest struct {
	cmd      string
	ch       chan Message
	orphaned atomic.Bool
}

// Client is one session with a connected device. It owns the socket, the
// learned MAC identifier, the observed status cache and the cached range
// limits. Command issuance is strictly serialized: requests queue in FIFO
// order and the next non-notification inbound message resolves the oldest
// live slot.
type Client struct {
	device Device
	conn   net.Conn
	log    log.FieldLogger

	codec Codec

	mu      sync.Mutex
	pending []*pendingRequest
	status  map[int]map[string]string
	limits  map[string]RangeLimit
	mac     string

	wmu sync.Mutex // serializes socket writes

	updates       chan Update
	done          chan struct{}
	closeOnce     sync.Once
	disconnecting atomic.Bool
	ready         atomic.Bool
}

// Dial connects to the device, performs the identify exchange to learn its
// MAC and warms the range limits cache. The returned session is not yet
// ready: the caller drives readiness probing before steady-state use.
func Dial(device Device, logger log.FieldLogger) (*Client, error) {
	conn, err := net.DialTimeout("tcp", device.Addr(), DialTimeout)
	if err != nil {
		return nil, describeDialError(device, err)
	}
	c := newClient(conn, device, logger)
	if err := c.handshake(); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn net.Conn, device Device, logger log.FieldLogger) *Client {
	c := &Client{
		device:  device,
		conn:    conn,
		log:     logger.WithField("device", device.Addr()),
		status:  make(map[int]map[string]string),
		limits:  make(map[string]RangeLimit),
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) handshake() error {
	resp, err := c.request(MsgID, CommandTimeout)
	if err != nil {
		return fmt.Errorf("identify exchange failed: %w", err)
	}
	if resp.Identity == nil {
		return fmt.Errorf("unexpected %s response to identify", resp.Type)
	}
	c.mu.Lock()
	c.mac = resp.Identity.MAC
	c.mu.Unlock()
	c.log = c.log.WithField("mac", resp.Identity.MAC)
	c.warmLimits()
	return nil
}

// describeDialError mirrors the device-context messages logged for the
// common transport failures.
func describeDialError(device Device, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("connection timed out with %s, please check the device is online: %w", device.IP, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("no device found at address %s: %w", device.IP, err)
	}
	return fmt.Errorf("connection failed at %s: %w", device.IP, err)
}

// MAC returns the identifier learned during the identify exchange.
func (c *Client) MAC() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mac
}

// Device returns the descriptor this session was created for.
func (c *Client) Device() Device { return c.device }

// Updates returns the session's feature-change stream. The channel is
// closed when the session closes.
func (c *Client) Updates() <-chan Update { return c.updates }

// Done is closed when the session has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Disconnecting reports whether the close was requested locally; an
// intentional close must not trigger a reconnect.
func (c *Client) Disconnecting() bool { return c.disconnecting.Load() }

// Ready reports whether the session passed the readiness probe and was
// promoted to steady state.
func (c *Client) Ready() bool { return c.ready.Load() }

func (c *Client) setReady(v bool) { c.ready.Store(v) }

// Status returns a copy of the observed per-unit feature values. It is a
// cache of change notifications, not an authoritative source of truth.
func (c *Client) Status() map[int]map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]map[string]string, len(c.status))
	for unit, st := range c.status {
		cp := make(map[string]string, len(st))
		for k, v := range st {
			cp[k] = v
		}
		out[unit] = cp
	}
	return out
}

// RangeLimits returns a copy of the cached limits table.
func (c *Client) RangeLimits() map[string]RangeLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RangeLimit, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}

// Disconnect closes the session intentionally. The supervisor will not
// schedule a reconnect for an intentional close.
func (c *Client) Disconnect() {
	c.disconnecting.Store(true)
	c.log.Info("disconnecting")
	c.conn.Close()
}

func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.handleChunk(buf[:n])
		}
		if err != nil {
			c.shutdown()
			return
		}
	}
}

// handleChunk decodes one socket chunk. Change notifications go to the
// status cache and the update stream; INFO lines are batched per chunk
// into a single response; everything else resolves the oldest pending
// request.
func (c *Client) handleChunk(chunk []byte) {
	var infoLines []string
	for _, line := range c.codec.Feed(chunk) {
		msg, err := ParseLine(line)
		if err != nil {
			c.log.Warnf("dropping malformed message: %v", err)
			continue
		}
		switch {
		case msg.IsNotification():
			c.handleNotification(msg)
		case msg.Type == MsgInfo:
			infoLines = append(infoLines, msg.Info...)
		default:
			c.resolve(msg)
		}
	}
	if len(infoLines) > 0 {
		c.resolve(Message{Type: MsgInfo, Info: infoLines})
	}
}

func (c *Client) resolve(msg Message) {
	c.mu.Lock()
	var req *pendingRequest
	if len(c.pending) > 0 {
		req = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if req == nil {
		c.log.Warnf("received %s message without a pending request, dropping", msg.Type)
		return
	}
	if req.orphaned.Load() {
		c.log.Warnf("dropping orphaned %s response to timed out command %q", msg.Type, req.cmd)
		return
	}
	req.ch <- msg
}

// handleNotification records an observed feature value and emits it on the
// update stream. With off-mode active, MODE notifications carry the true
// mode as a standby shadow value and are masked to OFF while the unit's
// last observed ONOFF state is OFF.
func (c *Client) handleNotification(msg Message) {
	c.mu.Lock()
	st, ok := c.status[msg.Unit]
	if !ok {
		st = make(map[string]string)
		c.status[msg.Unit] = st
	}
	st[msg.Feature] = msg.Value
	onOff := st[FeatOnOff]
	c.mu.Unlock()

	u := Update{Unit: msg.Unit, Feature: msg.Feature, Value: msg.Value}
	if c.device.OffMode && msg.Feature == FeatMode {
		u.StandbyMode = msg.Value
		if onOff == ValOff {
			u.Value = ValOff
		}
	}
	select {
	case c.updates <- u:
	default:
		c.log.Debugf("update stream full, dropping %s notification for unit %d", u.Feature, u.Unit)
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.mu.Lock()
		n := len(c.pending)
		c.pending = nil
		c.mu.Unlock()
		if n > 0 {
			c.log.Warnf("connection closed with %d pending requests", n)
		}
		close(c.updates)
	})
}

// writeLine sends one encoded command without arming a correlation slot.
// Used for GET and status refreshes, whose replies arrive as change
// notifications rather than on the request/response path.
func (c *Client) writeLine(cmd string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// send writes a command and queues a correlation slot for its response.
func (c *Client) send(cmd string) (*pendingRequest, error) {
	req := &pendingRequest{cmd: cmd, ch: make(chan Message, 1)}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	if err := c.writeLine(cmd); err != nil {
		req.orphaned.Store(true)
		return nil, err
	}
	return req, nil
}

// request performs a correlated command exchange bounded by timeout. On
// expiry the slot stays queued but is marked orphaned so a late response
// is logged instead of delivered, keeping later correlation aligned.
func (c *Client) request(cmd string, timeout time.Duration) (Message, error) {
	req, err := c.send(cmd)
	if err != nil {
		return Message{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-req.ch:
		return msg, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-timer.C:
		req.orphaned.Store(true)
		return Message{}, &TimeoutError{Cmd: cmd}
	}
}

// Identify re-runs the ID exchange and returns the identity response.
func (c *Client) Identify() (Message, error) {
	resp, err := c.request(MsgID, CommandTimeout)
	if err != nil {
		return Message{}, err
	}
	if resp.Identity == nil {
		return Message{}, fmt.Errorf("unexpected %s response to identify", resp.Type)
	}
	return resp, nil
}

// Info queries the device's free-form INFO lines.
func (c *Client) Info() ([]string, error) {
	resp, err := c.request(MsgInfo, CommandTimeout)
	if err != nil {
		return nil, err
	}
	return resp.Info, nil
}

// Ping issues a lightweight liveness command.
func (c *Client) Ping() error {
	_, err := c.request(MsgPing, CommandTimeout)
	return err
}

// Refresh requests the full status of every configured unit. Replies
// arrive asynchronously as change notifications.
func (c *Client) Refresh() error {
	for _, unit := range c.device.Units {
		if err := c.Get(FeatAll, unit.ID); err != nil {
			return err
		}
	}
	return nil
}

// Get requests the current value of a feature on one unit. The reply comes
// back on the notification path, so no correlation slot is armed. With
// off-mode active the synthetic standby feature reads the real MODE.
func (c *Client) Get(feature string, unit int) error {
	feature = strings.ToUpper(feature)
	standby := c.device.OffMode && feature == FeatStandbyMode
	if !standby && !stringIn(AllowedGetFeatures, feature) {
		err := fmt.Errorf("GET of unsupported feature %s", feature)
		c.log.Warn(err)
		return err
	}
	if !c.device.validUnit(unit) {
		err := fmt.Errorf("GET of %s with incorrect unit number %d", feature, unit)
		c.log.Warn(err)
		return err
	}
	if standby {
		feature = FeatMode
	}
	return c.writeLine(EncodeGet(unit, feature))
}

// Set writes a feature value on one unit after validating it against the
// cached range limits. Validation rejections are logged warnings and send
// nothing; they never terminate the session.
func (c *Client) Set(feature string, unit int, value string) error {
	feature = strings.ToUpper(feature)
	standby := c.device.OffMode && feature == FeatStandbyMode
	if !standby && !stringIn(AllowedSetFeatures, feature) {
		err := fmt.Errorf("SET of unsupported feature %s", feature)
		c.log.Warn(err)
		return err
	}
	if !c.device.validUnit(unit) {
		err := fmt.Errorf("SET of %s with incorrect unit number %d", feature, unit)
		c.log.Warn(err)
		return err
	}
	if standby {
		feature = FeatMode
	}

	if feature == FeatSetpoint {
		wire, err := c.checkSetpointValue(value)
		if err != nil {
			c.log.Warnf("rejecting SET: %v", err)
			return err
		}
		value = wire
	} else {
		value = strings.ToUpper(value)
		// OFF is not a real wire value for MODE; with off-mode active it
		// selects the emulated power-off path below and skips range checks
		if !(c.device.OffMode && feature == FeatMode && value == ValOff) {
			if err := c.checkDiscreteValue(feature, value); err != nil {
				c.log.Warnf("rejecting SET: %v", err)
				return err
			}
		}
	}

	if feature == FeatMode && c.device.OffMode && !standby {
		return c.setModeEmulated(unit, value)
	}
	return c.setFeature(unit, feature, value)
}

// setFeature performs one validated SET exchange and checks for the ACK.
func (c *Client) setFeature(unit int, feature, value string) error {
	resp, err := c.request(EncodeSet(unit, feature, value), CommandTimeout)
	if err != nil {
		c.log.Errorf("SET %s failed: %v", feature, err)
		return err
	}
	if resp.Type != MsgAck {
		err := fmt.Errorf("received non-ack %s response to SET %s", resp.Type, feature)
		c.log.Error(err)
		return err
	}
	return nil
}

// setModeEmulated handles MODE writes under the off-mode overlay. Setting
// OFF sends ONOFF=OFF instead; any other mode is a two-step sequence, the
// real MODE SET followed on acknowledgment by ONOFF=ON. A first-step
// failure aborts the second step. After either path succeeds a GET
// refreshes the observed state.
func (c *Client) setModeEmulated(unit int, value string) error {
	if value == ValOff {
		if err := c.setFeature(unit, FeatOnOff, ValOff); err != nil {
			return err
		}
		return c.Get(FeatMode, unit)
	}
	if err := c.setFeature(unit, FeatMode, value); err != nil {
		return err
	}
	if err := c.setFeature(unit, FeatOnOff, ValOn); err != nil {
		return err
	}
	return c.Get(FeatMode, unit)
}

// Limits queries the device's current allowed range for a feature.
func (c *Client) Limits(feature string) (Message, error) {
	feature = strings.ToUpper(feature)
	if !stringIn(LimitedRanges, feature) {
		err := fmt.Errorf("LIMITS query for unsupported feature %s", feature)
		c.log.Warn(err)
		return Message{}, err
	}
	return c.request(EncodeLimitsQuery(feature), CommandTimeout)
}

// SetLimits narrows the allowed range of a feature. The new bounds must
// fall within the device-independent absolute limits. The cached entry is
// updated only when the device acknowledges; on timeout or error the cache
// is left unchanged.
func (c *Client) SetLimits(feature string, values []string) error {
	feature = strings.ToUpper(feature)
	if !stringIn(LimitedRanges, feature) {
		err := fmt.Errorf("LIMITS set for unsupported feature %s", feature)
		c.log.Warn(err)
		return err
	}
	wire, err := c.checkNewLimits(feature, values)
	if err != nil {
		c.log.Warnf("rejecting LIMITS set: %v", err)
		return err
	}

	resp, err := c.request(EncodeLimitsSet(feature, wire), CommandTimeout)
	if err != nil {
		c.log.Errorf("LIMITS set for %s failed: %v", feature, err)
		return err
	}
	if resp.Type == MsgErr {
		err := fmt.Errorf("device rejected LIMITS set for %s", feature)
		c.log.Error(err)
		return err
	}
	c.mu.Lock()
	c.limits[feature] = RangeLimit{Values: wire}
	c.mu.Unlock()
	c.log.Infof("set limits for %s to %s", feature, strings.Join(wire, ","))
	return nil
}

// isReady implements the readiness predicate: the status table must be
// non-empty and every unit present must report non-zero ambient and
// setpoint temperatures. Zero is the device's own "not yet initialized"
// sentinel.
func (c *Client) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.status) == 0 {
		return false
	}
	for _, st := range c.status {
		if !nonZeroReading(st[FeatAmbTemp]) || !nonZeroReading(st[FeatSetpoint]) {
			return false
		}
	}
	return true
}

func nonZeroReading(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && f != 0
}
