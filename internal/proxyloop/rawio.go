package proxyloop

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by rawRead/rawWrite when the non-blocking
// syscall reports EAGAIN/EWOULDBLOCK -- not an error from the caller's
// perspective, just "nothing to do this iteration".
var ErrWouldBlock = errors.New("proxyloop: would block")

// fdOf extracts the raw file descriptor and a syscall.RawConn for a
// net.Conn or net.Listener backed by a real OS socket. The readiness
// loop (internal/proxyloop.Proxy.Run) drives all I/O through this
// raw descriptor with direct non-blocking syscalls instead of
// net.Conn's own Read/Write, so that our own unix.Poll calls are the
// single source of readiness per spec.md §5 ("no threads, no
// background workers... every follower and connection is mutated only
// from the readiness loop").
func fdOf(c syscall.Conn) (fd int, raw syscall.RawConn, err error) {
	raw, err = c.SyscallConn()
	if err != nil {
		return 0, nil, fmt.Errorf("proxyloop: SyscallConn: %w", err)
	}
	ctrlErr := raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if ctrlErr != nil {
		return 0, nil, fmt.Errorf("proxyloop: Control: %w", ctrlErr)
	}
	return fd, raw, nil
}

// rawRead issues one non-blocking read(2) on raw into buf.
func rawRead(raw syscall.RawConn, buf []byte) (n int, err error) {
	ctrlErr := raw.Control(func(fd uintptr) {
		n, err = unix.Read(int(fd), buf)
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// rawWrite issues one non-blocking write(2) on raw, returning however
// many bytes were accepted. Partial writes are normal and expected.
func rawWrite(raw syscall.RawConn, buf []byte) (n int, err error) {
	ctrlErr := raw.Control(func(fd uintptr) {
		n, err = unix.Write(int(fd), buf)
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// acceptNonblocking accepts one pending connection from the listener's
// raw fd using accept4(2) with SOCK_NONBLOCK, then wraps the new fd as
// a net.Conn via os.NewFile + net.FileConn -- the same
// fd-to-net.Conn idiom the teacher's graceful_restarts/SocketHandoff
// experiment uses.
func acceptNonblocking(listenFD int) (net.Conn, error) {
	nfd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	f := namedFile(nfd, "accepted-conn")
	conn, err := net.FileConn(f)
	_ = f.Close() // net.FileConn dup'd the fd; our copy is no longer needed.
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return conn, nil
}
