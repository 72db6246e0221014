package hook

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BroadcastHeader is the JSON payload of the once-per-second UDP beacon and
// of the Start response sent to streaming clients.
type BroadcastHeader struct {
	DataID           string `json:"data_id"`
	InitialTimestamp uint64 `json:"initial_timestamp"`
	CurrentTimestamp uint64 `json:"current_timestamp"`
	WallClockSecs    uint64 `json:"wall_clock_secs"`
	PID              uint32 `json:"pid"`
	ListenerPort     int    `json:"listener_port"`
	Cmdline          string `json:"cmdline"`
	Executable       string `json:"executable"`
	Architecture     string `json:"architecture"`
	ProtocolVersion  uint32 `json:"protocol_version"`
}

// Client request opcodes.
const (
	ReqStartStreaming    byte = 1
	ReqTriggerMemoryDump byte = 2
	ReqPing              byte = 3
)

// Server response opcodes. Every response is framed as opcode byte plus a
// little-endian u32 payload length.
const (
	RespStart                    byte = 1
	RespFinishedInitialStreaming byte = 2
	RespData                     byte = 3
	RespFinished                 byte = 4
	RespPong                     byte = 5
)

// serverPortAttempts is how many consecutive ports are tried after the
// configured base before giving up.
const serverPortAttempts = 100

// clientSendBuffer is the per-client outgoing frame queue depth. A client
// that cannot keep up is dropped rather than allowed to stall the
// processing goroutine.
const clientSendBuffer = 256

// serverClient is one connected TCP consumer.
type serverClient struct {
	id        string
	conn      net.Conn
	send      chan []byte
	streaming bool
	dead      atomic.Bool
}

// enqueue queues a frame without blocking; a full queue kills the client.
func (c *serverClient) enqueue(frame []byte) {
	if c.dead.Load() {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.dead.Store(true)
	}
}

// clientRequest travels from a client reader goroutine to the processing
// goroutine, which owns all response state.
type clientRequest struct {
	client *serverClient
	opcode byte
}

// server owns the TCP listener, the connected client set, and the UDP
// beacon socket. Writes to clients are driven exclusively by the
// processing goroutine via tick and appendData.
type server struct {
	p *Profiler

	listener net.Listener
	port     int

	udp     *net.UDPConn
	udpDest *net.UDPAddr

	mu      sync.Mutex
	history [][]byte
	clients map[string]*serverClient

	requests chan clientRequest
	closed   atomic.Bool
}

// newServer binds the TCP listener on the first free port at or above the
// configured base (when the server is enabled) and opens the beacon socket
// (when broadcasts are enabled).
func newServer(p *Profiler, _ *outputSink) (*server, error) {
	s := &server{
		p:        p,
		clients:  make(map[string]*serverClient),
		requests: make(chan clientRequest, 64),
	}

	if p.cfg.EnableServer {
		var lastErr error
		for n := 0; n < serverPortAttempts; n++ {
			port := p.cfg.BaseServerPort + n
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				lastErr = err
				continue
			}
			s.listener = ln
			s.port = port
			break
		}
		if s.listener == nil {
			return nil, fmt.Errorf("hook: no free server port in [%d, %d): %w",
				p.cfg.BaseServerPort, p.cfg.BaseServerPort+serverPortAttempts, lastErr)
		}
		go s.acceptLoop()
	}

	if p.cfg.EnableBroadcasts {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			if s.listener != nil {
				_ = s.listener.Close()
			}
			return nil, fmt.Errorf("hook: cannot open beacon socket: %w", err)
		}
		s.udp = conn
		s.udpDest = &net.UDPAddr{IP: net.IPv4bcast, Port: p.cfg.BaseBroadcastPort}
	}

	if s.listener == nil && s.udp == nil {
		return nil, fmt.Errorf("hook: neither server nor broadcasts enabled")
	}
	return s, nil
}

// Port returns the bound TCP port, or 0 when the server is disabled.
func (s *server) Port() int { return s.port }

// acceptLoop admits clients until the listener closes.
func (s *server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := &serverClient{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, clientSendBuffer),
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[c.id] = c
		s.mu.Unlock()
		if s.p.logger != nil {
			s.p.logger.Info("streaming client connected",
				slog.String("client_id", c.id),
				slog.String("remote", conn.RemoteAddr().String()),
			)
		}
		go s.writeLoop(c)
		go s.readLoop(c)
	}
}

// writeLoop drains the client's frame queue to its socket and closes the
// socket once the queue is closed, so queued frames (including the final
// Finished) are never raced by another writer. A write error marks the
// client dead; the processing goroutine reaps it on the next tick.
func (s *server) writeLoop(c *serverClient) {
	defer c.conn.Close()
	for frame := range c.send {
		if c.dead.Load() {
			continue
		}
		if _, err := c.conn.Write(frame); err != nil {
			c.dead.Store(true)
		}
	}
}

// readLoop reads one-byte requests from the client and forwards them to the
// processing goroutine.
func (s *server) readLoop(c *serverClient) {
	var buf [1]byte
	for {
		if _, err := c.conn.Read(buf[:]); err != nil {
			c.dead.Store(true)
			return
		}
		select {
		case s.requests <- clientRequest{client: c, opcode: buf[0]}:
		default:
			// Request queue full; the client is misbehaving.
			c.dead.Store(true)
			return
		}
	}
}

// appendData records a compressed stream fragment in the replay history and
// forwards it to every streaming client. Called by the output sink on the
// processing goroutine.
func (s *server) appendData(b []byte) {
	if s.closed.Load() {
		return
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	s.mu.Lock()
	s.history = append(s.history, chunk)
	clients := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var frame []byte
	for _, c := range clients {
		if !c.streaming || c.dead.Load() {
			continue
		}
		if frame == nil {
			frame = makeFrame(RespData, chunk)
		}
		c.enqueue(frame)
	}
}

// tick runs the per-second server duties on the processing goroutine:
// beacon, request handling, dead client reaping.
func (s *server) tick(proc *procState) {
	s.beacon(proc)

	for {
		select {
		case req := <-s.requests:
			s.handleRequest(proc, req)
		default:
			s.reapDead()
			return
		}
	}
}

// beacon broadcasts the instance header over UDP.
func (s *server) beacon(proc *procState) {
	if s.udp == nil {
		return
	}
	payload, err := json.Marshal(s.header(proc))
	if err != nil {
		return
	}
	_, _ = s.udp.WriteToUDP(payload, s.udpDest)
}

func (s *server) header(proc *procState) BroadcastHeader {
	p := s.p
	return BroadcastHeader{
		DataID:           p.headerID.String(),
		InitialTimestamp: 0,
		CurrentTimestamp: uint64(proc.coarse),
		WallClockSecs:    uint64(time.Now().Unix()),
		PID:              p.pid,
		ListenerPort:     s.port,
		Cmdline:          string(p.cmdline),
		Executable:       p.executable,
		Architecture:     p.arch,
		ProtocolVersion:  ProtocolVersion,
	}
}

// handleRequest services one client request on the processing goroutine.
func (s *server) handleRequest(proc *procState, req clientRequest) {
	c := req.client
	if c.dead.Load() {
		return
	}
	switch req.opcode {
	case ReqPing:
		c.enqueue(makeFrame(RespPong, nil))
	case ReqTriggerMemoryDump:
		proc.grabMemoryDump()
	case ReqStartStreaming:
		if c.streaming {
			return
		}
		payload, err := json.Marshal(s.header(proc))
		if err != nil {
			return
		}
		c.enqueue(makeFrame(RespStart, payload))
		// Replay the buffered stream so the client sees the capture from
		// the first byte, then switch to live forwarding.
		s.mu.Lock()
		history := s.history
		s.mu.Unlock()
		for _, chunk := range history {
			c.enqueue(makeFrame(RespData, chunk))
		}
		c.enqueue(makeFrame(RespFinishedInitialStreaming, nil))
		c.streaming = true
	default:
		if s.p.logger != nil {
			s.p.logger.Warn("unknown client request",
				slog.String("client_id", c.id),
				slog.Int("opcode", int(req.opcode)),
			)
		}
		c.dead.Store(true)
	}
}

// reapDead removes clients whose sockets failed or whose queues overflowed.
// Closing the send queue makes the write goroutine drain and close the
// socket.
func (s *server) reapDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		if c.dead.Load() {
			delete(s.clients, id)
			close(c.send)
		}
	}
}

// finish notifies all clients that the capture is complete and tears the
// server down.
func (s *server) finish() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*serverClient)
	s.mu.Unlock()

	frame := makeFrame(RespFinished, nil)
	for _, c := range clients {
		c.enqueue(frame)
		close(c.send)
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
}

// makeFrame builds an opcode + length-prefixed payload response frame.
func makeFrame(opcode byte, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = opcode
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)
	return frame
}
