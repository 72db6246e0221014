// Package client implements the analyzer side of the live streaming
// protocol: discovering profiled processes through their UDP beacons and
// pulling a complete capture stream over TCP, reconnecting with
// exponential backoff while the profiled process is still running.
package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/memtrail/memtrail/internal/hook"
)

// Config holds the connection parameters.
type Config struct {
	// Addr is the profiled process's streaming endpoint ("host:port").
	Addr string

	// DialTimeout bounds each connection attempt. Defaults to 5s.
	DialTimeout time.Duration

	// MaxElapsedTime bounds the total reconnect budget; 0 retries forever
	// (until the context is cancelled or the capture finishes).
	MaxElapsedTime time.Duration

	// Restart, when set, is invoked before every connection attempt. The
	// server replays the whole capture on each reconnect, so the sink must
	// discard what it already has (truncate the output file).
	Restart func() error
}

// Client pulls a capture stream from a profiled process.
type Client struct {
	cfg    Config
	sink   io.Writer
	logger *slog.Logger
}

// New creates a Client writing the raw capture bytes to sink.
func New(cfg Config, sink io.Writer, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, sink: sink, logger: logger}
}

// errCaptureFinished signals a clean end of stream to the retry loop.
var errCaptureFinished = errors.New("capture finished")

// Run connects, requests streaming, and copies Data frames to the sink
// until the server reports Finished or ctx is cancelled. Connection
// failures and mid-stream disconnects are retried with exponential
// backoff; the server replays the full stream on every reconnect, so the
// sink is truncated via the Restart callback when one is provided.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxElapsedTime

	operation := func() error {
		err := c.streamOnce(ctx)
		switch {
		case err == nil || errors.Is(err, errCaptureFinished):
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		default:
			c.logger.Warn("stream interrupted; reconnecting",
				slog.String("addr", c.cfg.Addr), slog.Any("error", err))
			return err
		}
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("client: streaming from %s: %w", c.cfg.Addr, err)
	}
	return nil
}

// streamOnce performs one full connect-and-stream attempt.
func (c *Client) streamOnce(ctx context.Context) error {
	if c.cfg.Restart != nil {
		if err := c.cfg.Restart(); err != nil {
			return backoff.Permanent(fmt.Errorf("restart sink: %w", err))
		}
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when the context dies so blocking reads unblock.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if _, err := conn.Write([]byte{hook.ReqStartStreaming}); err != nil {
		return err
	}

	var head [5]byte
	for {
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			return err
		}
		opcode := head[0]
		size := binary.LittleEndian.Uint32(head[1:5])
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}

		switch opcode {
		case hook.RespStart:
			var header hook.BroadcastHeader
			if err := json.Unmarshal(payload, &header); err != nil {
				return fmt.Errorf("bad start header: %w", err)
			}
			c.logger.Info("streaming started",
				slog.String("data_id", header.DataID),
				slog.String("executable", header.Executable),
				slog.Uint64("pid", uint64(header.PID)),
			)
		case hook.RespData:
			if _, err := c.sink.Write(payload); err != nil {
				return backoff.Permanent(fmt.Errorf("sink write: %w", err))
			}
		case hook.RespFinishedInitialStreaming:
			c.logger.Info("initial replay complete; following live capture")
		case hook.RespFinished:
			return errCaptureFinished
		case hook.RespPong:
			// Keep-alive answer; nothing to do.
		default:
			return fmt.Errorf("unknown response opcode %d", opcode)
		}
	}
}

// Beacon is one discovered profiled process.
type Beacon struct {
	Header hook.BroadcastHeader
	Addr   string
}

// Discover listens for UDP beacons on port until ctx expires and returns
// the deduplicated set of announcing processes.
func Discover(ctx context.Context, port int, logger *slog.Logger) ([]Beacon, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("client: listen for beacons on %d: %w", port, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	seen := make(map[string]Beacon)
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		var header hook.BroadcastHeader
		if err := json.Unmarshal(buf[:n], &header); err != nil {
			logger.Debug("ignoring malformed beacon", slog.String("from", from.String()))
			continue
		}
		addr := net.JoinHostPort(from.IP.String(), fmt.Sprintf("%d", header.ListenerPort))
		seen[header.DataID] = Beacon{Header: header, Addr: addr}
	}

	beacons := make([]Beacon, 0, len(seen))
	for _, b := range seen {
		beacons = append(beacons, b)
	}
	return beacons, nil
}
