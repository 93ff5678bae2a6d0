package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/user/gterm/internal/protocol"
)

const (
	// Message-mode peers never send more than this in one frame.
	messageBufferSize = 16 * 1024
	streamBufferSize  = 8 * 1024
)

// Channel is one open duplex connection to the external process.
type Channel interface {
	io.ReadWriteCloser
	// MessageMode reports whether every Read returns exactly one frame.
	// Stream channels need delimiter splitting instead.
	MessageMode() bool
}

// Transport opens channels. Open may block until the peer is available but
// must return when ctx is cancelled.
type Transport interface {
	Name() string
	Open(ctx context.Context) (Channel, error)
}

// PacketTransport connects to a unix SOCK_SEQPACKET socket. Packet
// boundaries are frame boundaries.
type PacketTransport struct {
	Path string
}

func (t PacketTransport) Name() string {
	return "unixpacket:" + t.Path
}

func (t PacketTransport) Open(ctx context.Context) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixpacket", t.Path)
	if err != nil {
		return nil, err
	}
	return &packetChannel{Conn: conn}, nil
}

type packetChannel struct {
	net.Conn
}

func (c *packetChannel) MessageMode() bool { return true }

// FIFOTransport reads frames from a named pipe and delivers commands by
// writing them to a second path. The console stream has no framing of its
// own beyond protocol.Delimiter.
type FIFOTransport struct {
	ReadPath  string
	WritePath string
	// Create makes missing FIFOs instead of waiting for the peer to.
	Create bool
}

func (t FIFOTransport) Name() string {
	return "fifo:" + t.ReadPath
}

func (t FIFOTransport) Open(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Create {
		if err := EnsureFIFO(t.ReadPath); err != nil {
			return nil, err
		}
		if err := EnsureFIFO(t.WritePath); err != nil {
			return nil, err
		}
	}
	// O_NONBLOCK so the open does not wait for a writer; reads still park
	// in the runtime poller.
	f, err := os.OpenFile(t.ReadPath, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return &fifoChannel{read: f, writePath: t.WritePath}, nil
}

type fifoChannel struct {
	read      *os.File
	writePath string
}

func (c *fifoChannel) MessageMode() bool { return false }

// Read treats EOF as "no writer attached right now" rather than a closed
// channel; the peer reopens its end whenever it restarts.
func (c *fifoChannel) Read(p []byte) (int, error) {
	n, err := c.read.Read(p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (c *fifoChannel) Write(p []byte) (int, error) {
	if c.writePath == "" {
		return 0, errors.New("listener: fifo transport has no command path")
	}
	f, err := os.OpenFile(c.writePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NONBLOCK, 0o644)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return 0, fmt.Errorf("listener: nothing is reading %s", c.writePath)
		}
		return 0, err
	}
	defer f.Close()

	payload := make([]byte, 0, len(p)+len(protocol.CommandTerminator))
	payload = append(payload, p...)
	payload = append(payload, protocol.CommandTerminator...)
	if _, err := f.Write(payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *fifoChannel) Close() error {
	return c.read.Close()
}

// EnsureFIFO creates a named pipe at path unless one already exists.
func EnsureFIFO(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("listener: %s exists and is not a fifo", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("listener: mkfifo %s: %w", path, err)
	}
	return nil
}
