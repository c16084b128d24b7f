//go:build !windows

/*
NAME
  conn.go

DESCRIPTION
  conn.go implements server.Conn, a SOCK_SEQPACKET connection wrapper that
  frames messages per spec.md §6 and passes fds via SCM_RIGHTS.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package server

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ausocean/crasd/protocol"
)

// Conn wraps a connected SOCK_SEQPACKET fd, implementing rclient.Conn.
type Conn struct {
	fd int
}

// NewConn takes ownership of fd.
func NewConn(fd int) *Conn { return &Conn{fd: fd} }

const maxMsgSize = 4096

// RecvMsg reads one framed message and, if present, the fd attached via
// SCM_RIGHTS. fd is -1 if none was attached.
func (c *Conn) RecvMsg() (protocol.ID, []byte, int, error) {
	buf := make([]byte, maxMsgSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return 0, nil, -1, fmt.Errorf("server: recvmsg: %w", err)
	}
	if n == 0 {
		return 0, nil, -1, fmt.Errorf("server: peer closed")
	}
	h, err := protocol.DecodeHeader(buf[:n])
	if err != nil {
		return 0, nil, -1, err
	}
	body := buf[8:n]

	fd := -1
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil && len(cmsgs) > 0 {
			fds, err := unix.ParseUnixRights(&cmsgs[0])
			if err == nil && len(fds) > 0 {
				fd = fds[0]
			}
		}
	}
	return protocol.ID(h.ID), body, fd, nil
}

// SendMsg writes one framed message, attaching fds via SCM_RIGHTS if any
// are given.
func (c *Conn) SendMsg(id protocol.ID, body []byte, fds ...int) error {
	h := protocol.EncodeHeader(protocol.Header{Length: uint32(8 + len(body)), ID: uint32(id)})
	buf := append(h, body...)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return unix.Sendmsg(c.fd, buf, oob, nil, 0)
}

// Close closes the underlying fd.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// CloseFD closes fd, a descriptor received via SCM_RIGHTS on this
// connection that rclient is discarding rather than handing to the
// engine. It is a distinct fd from the connection's own, owned solely by
// the receiver once ParseUnixRights returns it.
func (c *Conn) CloseFD(fd int) error {
	return unix.Close(fd)
}
