// SPDX-License-Identifier: GPL-3.0-or-later

// Package udpbroadcast implements a l2.Link over an IPv4 UDP broadcast
// socket, with SO_BROADCAST set explicitly via golang.org/x/sys/unix
// rather than relying on net.ListenUDP's defaults.
package udpbroadcast

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meshbound/dtnmesh/pkg/l2"
)

// MaxDatagramSize bounds a single received frame. A frame larger than
// this is truncated by the kernel before it ever reaches recvLoop.
const MaxDatagramSize = 65507

// Link broadcasts and receives UDP datagrams on a fixed port.
// SendBroadcast writes to the configured broadcast address; SendUnicast
// writes directly to the given peer address.
type Link struct {
	conn        *net.UDPConn
	broadcast   *net.UDPAddr
	localAddr   []byte
	frames      chan l2.Frame
	errs        chan error
	closeCh     chan struct{}
}

// New opens a UDP socket bound to bindAddr (host:port, host may be empty
// to bind all interfaces) and configures it to send to broadcastAddr
// (host:port, host conventionally 255.255.255.255 or a subnet broadcast
// address).
func New(bindAddr, broadcastAddr string) (*Link, error) {
	laddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("udpbroadcast: resolving bind address: %w", err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("udpbroadcast: resolving broadcast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("udpbroadcast: listen: %w", err)
	}

	if err := setBroadcast(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpbroadcast: set SO_BROADCAST: %w", err)
	}

	link := &Link{
		conn:      conn,
		broadcast: baddr,
		localAddr: []byte(conn.LocalAddr().String()),
		frames:    make(chan l2.Frame, 32),
		errs:      make(chan error, 1),
		closeCh:   make(chan struct{}),
	}
	go link.recvLoop()
	return link, nil
}

// setBroadcast sets SO_BROADCAST on conn's underlying file descriptor, so
// the kernel permits sends to broadcast addresses even though the socket
// is an ordinary UDP socket rather than one created with that option at
// construction time.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (l *Link) recvLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			select {
			case l.errs <- err:
			default:
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case l.frames <- l2.Frame{Data: data, From: []byte(from.String())}:
		case <-l.closeCh:
			return
		}
	}
}

// SendBroadcast writes data to the configured broadcast address.
func (l *Link) SendBroadcast(ctx context.Context, data []byte) error {
	return l.send(ctx, l.broadcast, data)
}

// SendUnicast resolves addr (as produced by Frame.From or LocalAddr) and
// writes data to it directly.
func (l *Link) SendUnicast(ctx context.Context, addr []byte, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp4", string(addr))
	if err != nil {
		return fmt.Errorf("udpbroadcast: resolving unicast address: %w", err)
	}
	return l.send(ctx, raddr, data)
}

func (l *Link) send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}

	_, err := l.conn.WriteToUDP(data, addr)
	if opErr, ok := err.(*net.OpError); ok && opErr.Err == syscall.EMSGSIZE {
		return fmt.Errorf("udpbroadcast: datagram exceeds path MTU: %w", err)
	}
	return err
}

// Recv blocks until a frame arrives, ctx is done, or the Link is closed.
func (l *Link) Recv(ctx context.Context) (l2.Frame, error) {
	select {
	case f := <-l.frames:
		return f, nil
	case err := <-l.errs:
		return l2.Frame{}, err
	case <-ctx.Done():
		return l2.Frame{}, ctx.Err()
	case <-l.closeCh:
		return l2.Frame{}, fmt.Errorf("udpbroadcast: link closed")
	}
}

// LocalAddr returns the socket's own bound address, suitable for a
// discovery announcement payload.
func (l *Link) LocalAddr() []byte {
	return l.localAddr
}

// Close shuts down the socket and interrupts any blocked Recv.
func (l *Link) Close() error {
	close(l.closeCh)
	return l.conn.Close()
}
