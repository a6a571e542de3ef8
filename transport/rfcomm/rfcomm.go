// Package rfcomm opens Bluetooth Classic serial (RFCOMM) links for stream
// devices.
package rfcomm

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/sensorlink/device"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
)

// Config selects the RFCOMM channel and bounds connect time
type Config struct {
	Channel        uint8         `json:"channel"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReadSize       int           `json:"read_size"`
	ChunkBuffer    int           `json:"chunk_buffer"`
}

// DefaultConfig uses the serial port profile default channel 1
func DefaultConfig() Config {
	return Config{
		Channel:        1,
		ConnectTimeout: 10 * time.Second,
		ReadSize:       512,
		ChunkBuffer:    64,
	}
}

// Transport dials RFCOMM sockets. It implements device.Transport for stream
// devices.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context, addr [6]byte, channel uint8) (io.ReadCloser, error)
}

// NewTransport creates an RFCOMM transport
func NewTransport(cfg Config, logger *slog.Logger) *Transport {
	def := DefaultConfig()
	if cfg.Channel == 0 || cfg.Channel > 30 {
		cfg.Channel = def.Channel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = def.ReadSize
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = def.ChunkBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger.With("component", "rfcomm"), dial: dial}
}

// Open connects to adv on the configured channel
func (t *Transport) Open(ctx context.Context, adv discovery.Advertisement) (device.Link, error) {
	addr, err := parseBDAddr(adv.Address)
	if err != nil {
		return nil, errors.WrapFatal(err, "Transport", "Open", "address parse")
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	rc, err := t.dial(ctx, addr, t.cfg.Channel)
	if err != nil {
		if errors.IsFatal(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(errors.Join(errors.ErrTransport, err), "Transport", "Open", "dial")
	}

	t.logger.Info("rfcomm link open", "device", adv.Address, "channel", t.cfg.Channel)
	link := newStreamLink(rc, t.cfg.ReadSize, t.cfg.ChunkBuffer)
	go link.pump()
	return link, nil
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" to the little-endian byte order
// the kernel expects in sockaddr_rc
func parseBDAddr(address string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(discovery.NormalizeAddress(address), ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("invalid bluetooth address %q", address)
	}
	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil || len(b) != 1 {
			return out, fmt.Errorf("invalid bluetooth address %q", address)
		}
		out[5-i] = b[0]
	}
	return out, nil
}

// streamLink reads an io.ReadCloser into chunks until it fails or is closed
type streamLink struct {
	rc       io.ReadCloser
	readSize int
	chunks   chan []byte
	done     chan struct{}
	exited   chan struct{}
	once     sync.Once
	closing  atomic.Bool
	err      atomic.Pointer[error]
}

func newStreamLink(rc io.ReadCloser, readSize, buffer int) *streamLink {
	return &streamLink{
		rc:       rc,
		readSize: readSize,
		chunks:   make(chan []byte, buffer),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

func (l *streamLink) Chunks() <-chan []byte { return l.chunks }

func (l *streamLink) Err() error {
	if p := l.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close closes the socket, which unblocks the reader
func (l *streamLink) Close() error {
	var err error
	l.once.Do(func() {
		l.closing.Store(true)
		close(l.done)
		err = l.rc.Close()
	})
	<-l.exited
	return err
}

func (l *streamLink) pump() {
	defer close(l.exited)
	defer close(l.chunks)

	buf := make([]byte, l.readSize)
	for {
		n, err := l.rc.Read(buf)
		if n > 0 {
			select {
			case l.chunks <- append([]byte(nil), buf[:n]...):
			case <-l.done:
				return
			}
		}
		if err != nil {
			if !l.closing.Load() {
				cause := errors.WrapTransient(errors.Join(errors.ErrLinkClosed, err), "streamLink", "pump", "read")
				l.err.Store(&cause)
			}
			return
		}
	}
}
