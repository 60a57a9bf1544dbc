//go:build linux

package rpc

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reservedPortLow/High bound the privileged port range (RFC 1050-era
// convention every NFS/Mount server still honors): ports below 1024
// that only a process with CAP_NET_BIND_SERVICE (or uid 0) may bind.
// original_source/nfspy/nfsclient.py's bindsocket() walks down from 1023
// looking for a free one; this does the same.
const (
	reservedPortLow  = 600
	reservedPortHigh = 1023
)

// dialUDPReserved binds a UDP socket to a free reserved port before
// connecting to raddr, mirroring bindsocket() in the original client
// (many NFS/Mount servers reject non-privileged source ports outright).
func dialUDPReserved(raddr *net.UDPAddr) (net.Conn, error) {
	var lastErr error
	for port := reservedPortHigh; port >= reservedPortLow; port-- {
		laddr := &net.UDPAddr{Port: port}
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("rpc: no reserved udp port available in [%d,%d]: %w", reservedPortLow, reservedPortHigh, lastErr)
}

// reservedPortControl is installed as a net.Dialer.Control hook; it
// binds the socket's source port to a free reserved port using
// SO_REUSEADDR before the kernel connects it, via raw unix syscalls
// (golang.org/x/sys/unix), matching the reserved-port-walk behavior of
// dialUDPReserved for TCP dials.
func reservedPortControl(network, address string, c syscall.RawConn) error {
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		if setErr := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); setErr != nil {
			ctlErr = fmt.Errorf("rpc: set SO_REUSEADDR: %w", setErr)
			return
		}
		for port := reservedPortHigh; port >= reservedPortLow; port-- {
			sa := &unix.SockaddrInet4{Port: port}
			if bindErr := unix.Bind(int(fd), sa); bindErr == nil {
				return
			}
		}
		ctlErr = fmt.Errorf("rpc: no reserved tcp port available in [%d,%d]", reservedPortLow, reservedPortHigh)
	})
	if err != nil {
		return err
	}
	return ctlErr
}
