package network

import (
	"io"

	"golang.org/x/sys/unix"
)

// Socket adapts a non-blocking stream fd to io.Reader and io.Writer.
// Read returns io.EOF on an orderly shutdown by the peer; both methods
// return unix.EAGAIN when the operation would block.
type Socket int

func (s Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(int(s), p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s Socket) Write(p []byte) (int, error) {
	n, err := unix.SendmsgN(int(s), p, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Datagram adapts a connected UDP fd. A zero-length datagram is not EOF.
type Datagram int

func (d Datagram) Read(p []byte) (int, error) {
	n, err := unix.Read(int(d), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d Datagram) Write(p []byte) (int, error) {
	n, err := unix.Write(int(d), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}
