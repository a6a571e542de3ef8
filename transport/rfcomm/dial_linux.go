//go:build linux

package rfcomm

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/c360/sensorlink/errors"
)

const pollInterval = 100 // milliseconds

// dial opens a non-blocking RFCOMM socket and waits for the connect to
// complete. The returned file is registered with the runtime poller so Close
// unblocks a pending Read.
func dial(ctx context.Context, addr [6]byte, channel uint8) (io.ReadCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		if err == unix.EAFNOSUPPORT || err == unix.EPROTONOSUPPORT {
			return nil, errors.WrapFatal(errors.Join(errors.ErrAdapterAbsent, err), "rfcomm", "dial", "socket")
		}
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect: %w", err)
	}

	if err := awaitConnect(ctx, fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%d", channel)), nil
}

func awaitConnect(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rfcomm connect: %w", err)
		}
		n, err := unix.Poll(fds, pollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("rfcomm poll: %w", err)
		}
		if n == 0 {
			continue
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("rfcomm connect status: %w", err)
		}
		if soErr != 0 {
			return fmt.Errorf("rfcomm connect: %w", unix.Errno(soErr))
		}
		return nil
	}
}
