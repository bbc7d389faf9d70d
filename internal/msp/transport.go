package msp

import (
	"context"
	"sync"
	"time"

	"github.com/cesanta/errors"
)

// Sentinel errors, matched with errors.Cause(err) == ErrX, matching the
// teacher's error-handling idiom (e.g. common/mgrpc/codec/serial.go's
// errors.Cause(err) == io.EOF checks).
var (
	ErrTimedOut           = errors.New("timed out")
	ErrTransportClosed    = errors.New("transport closed")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

const DefaultRequestTimeout = 1000 * time.Millisecond

// Transport is the byte-transparent link the coordinator reads and
// writes MSP frames over (typically a serialport.Port).
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type pendingRequest struct {
	version int
	command uint16
	resCh   chan requestResult
}

type requestResult struct {
	pkt Packet
	err error
}

// ConnectionStats tracks the request/response bookkeeping counters
// layered on top of the parser's own frame-level Stats.
type ConnectionStats struct {
	Parser       Stats
	LateDropped  uint64
	TimedOut     uint64
}

// Connection is a single active MSP link: the transport, the resumable
// parser, the outstanding-request table, and the configuration lock /
// CLI-escape state machine described in spec §3.4 and §4.5. It is the
// process-wide singleton-per-link the spec calls for, made an explicit
// value rather than an ambient global (spec §9).
type Connection struct {
	t        Transport
	parser   *Parser
	registry *Registry

	reqMu      sync.Mutex // single-writer discipline: one request at a time
	pendingMu  sync.Mutex
	pending    map[uint16]*pendingRequest

	cfgMu        sync.Mutex
	cfgLockCount int

	cliMu     sync.Mutex
	cliActive bool
	cliLines  chan string
	cliAccum  []byte // touched only from readLoop, no lock needed

	statsMu sync.Mutex
	stats   ConnectionStats

	Variant       FirmwareVariant
	BoxNames      []string
	RCMap         []uint8

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
}

// NewConnection wraps t with an MSP parser and request/response
// coordinator. It does not start reading until Start is called.
func NewConnection(t Transport, registry *Registry) *Connection {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Connection{
		t:        t,
		parser:   NewParser(),
		registry: registry,
		pending:  make(map[uint16]*pendingRequest),
		RCMap:    append([]uint8(nil), DefaultRCMap...),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Start launches the background read loop that feeds bytes from the
// transport into the parser and dispatches completed packets.
func (c *Connection) Start() {
	go c.readLoop()
}

func (c *Connection) readLoop() {
	defer close(c.readDone)
	buf := make([]byte, 256)
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		n, err := c.t.Read(buf)
		if n > 0 {
			c.cliMu.Lock()
			cliActive := c.cliActive
			lines := c.cliLines
			c.cliMu.Unlock()
			if cliActive {
				c.feedCLI(lines, buf[:n])
			} else {
				pkts := c.parser.Feed(buf[:n])
				for _, p := range pkts {
					c.dispatch(p)
				}
				c.statsMu.Lock()
				c.stats.Parser = c.parser.Stats()
				c.statsMu.Unlock()
			}
		}
		if err != nil {
			c.closeOnce.Do(func() { close(c.closed) })
			c.failAllPending(errors.Annotatef(ErrTransportClosed, "%v", err))
			return
		}
	}
}

func (c *Connection) feedCLI(lines chan string, b []byte) {
	c.cliAccum = append(c.cliAccum, b...)
	for {
		idx := -1
		for i, ch := range c.cliAccum {
			if ch == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := string(c.cliAccum[:idx])
		c.cliAccum = c.cliAccum[idx+1:]
		select {
		case lines <- line:
		default:
		}
	}
}

func (c *Connection) dispatch(p Packet) {
	c.pendingMu.Lock()
	pr, ok := c.pending[p.Command]
	if ok {
		delete(c.pending, p.Command)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.statsMu.Lock()
		c.stats.LateDropped++
		c.statsMu.Unlock()
		return
	}
	var err error
	if p.Direction == DirError {
		err = errors.Annotatef(ErrUnsupportedCommand, "command %d", p.Command)
	}
	select {
	case pr.resCh <- requestResult{pkt: p, err: err}:
	default:
	}
}

func (c *Connection) failAllPending(err error) {
	c.pendingMu.Lock()
	pend := c.pending
	c.pending = make(map[uint16]*pendingRequest)
	c.pendingMu.Unlock()
	for _, pr := range pend {
		select {
		case pr.resCh <- requestResult{err: err}:
		default:
		}
	}
}

// Request serializes and writes an MSP request, then waits (up to
// timeout, or DefaultRequestTimeout if zero) for a matching response.
// Requests to the same command are totally ordered: Request holds the
// single-writer mutex while it registers the entry and writes the frame,
// so two overlapping requests can never interleave bytes.
func (c *Connection) Request(ctx context.Context, version int, command uint16, payload []byte, timeout time.Duration) (Packet, error) {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	frame, err := Serialize(version, DirRequest, 0, command, payload)
	if err != nil {
		return Packet{}, errors.Trace(err)
	}

	c.reqMu.Lock()
	pr := &pendingRequest{version: version, command: command, resCh: make(chan requestResult, 1)}
	c.pendingMu.Lock()
	c.pending[command] = pr
	c.pendingMu.Unlock()
	_, werr := c.t.Write(frame)
	c.reqMu.Unlock()
	if werr != nil {
		c.pendingMu.Lock()
		delete(c.pending, command)
		c.pendingMu.Unlock()
		return Packet{}, errors.Annotatef(ErrTransportClosed, "%v", werr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pr.resCh:
		return res.pkt, res.err
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, command)
		c.pendingMu.Unlock()
		c.statsMu.Lock()
		c.stats.TimedOut++
		c.statsMu.Unlock()
		return Packet{}, errors.Annotatef(ErrTimedOut, "command %d after %s", command, timeout)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, command)
		c.pendingMu.Unlock()
		return Packet{}, errors.Trace(ctx.Err())
	case <-c.closed:
		return Packet{}, errors.Trace(ErrTransportClosed)
	}
}

// RequestDecoded issues a request and, on success, decodes the typed
// response via the registry.
func (c *Connection) RequestDecoded(ctx context.Context, version int, command uint16, payload []byte, timeout time.Duration) (interface{}, error) {
	pkt, err := c.Request(ctx, version, command, payload, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, _, err := c.registry.DecodePacket(pkt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

// LockConfig pauses telemetry polling for the duration a configuration
// write is in flight. It is reentrant: telemetry resumes only once the
// matching number of UnlockConfig calls has been made.
func (c *Connection) LockConfig() {
	c.cfgMu.Lock()
	c.cfgLockCount++
	c.cfgMu.Unlock()
}

func (c *Connection) UnlockConfig() {
	c.cfgMu.Lock()
	if c.cfgLockCount > 0 {
		c.cfgLockCount--
	}
	c.cfgMu.Unlock()
}

// ConfigLocked reports whether telemetry polling should currently be
// paused.
func (c *Connection) ConfigLocked() bool {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfgLockCount > 0
}

// CLILines is returned by EnterCLI: a line-buffered channel of text
// received from the firmware's CLI listener.
type CLILines <-chan string

// EnterCLI sends the `#` escape byte and suspends MSP parsing on the
// port, routing subsequent bytes to a line-oriented listener. Per the
// invariant in spec §3.4, telemetry must already be stopped (config
// lock engaged, or caller's own discipline) before calling this.
func (c *Connection) EnterCLI() (CLILines, error) {
	c.cliMu.Lock()
	if c.cliActive {
		c.cliMu.Unlock()
		return nil, errors.Errorf("already in CLI mode")
	}
	c.cliLines = make(chan string, 64)
	c.cliActive = true
	lines := c.cliLines
	c.cliMu.Unlock()

	if _, err := c.t.Write([]byte{'#'}); err != nil {
		return nil, errors.Annotatef(ErrTransportClosed, "%v", err)
	}
	return lines, nil
}

// ExitCLI sends "exit\n" and returns the port to MSP-parsing mode.
func (c *Connection) ExitCLI() error {
	if _, err := c.t.Write([]byte("exit\n")); err != nil {
		return errors.Annotatef(ErrTransportClosed, "%v", err)
	}
	c.cliMu.Lock()
	c.cliActive = false
	if c.cliLines != nil {
		close(c.cliLines)
		c.cliLines = nil
	}
	c.cliAccum = nil
	c.cliMu.Unlock()
	return nil
}

// SendCLILine sends a single CLI command line, e.g.
// "set nav_rth_altitude = 1500".
func (c *Connection) SendCLILine(line string) error {
	c.cliMu.Lock()
	active := c.cliActive
	c.cliMu.Unlock()
	if !active {
		return errors.Errorf("not in CLI mode")
	}
	_, err := c.t.Write([]byte(line + "\n"))
	if err != nil {
		return errors.Annotatef(ErrTransportClosed, "%v", err)
	}
	return nil
}

func (c *Connection) Stats() ConnectionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close closes the underlying transport and fails any outstanding
// requests with ErrTransportClosed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	err := c.t.Close()
	<-c.readDone
	c.failAllPending(errors.Trace(ErrTransportClosed))
	return err
}
