// Package wireproto implements the Shift wire protocol: length-prefixed
// frames carrying an ASCII header token, a JSON payload, and optional
// SCM_RIGHTS-passed file descriptors, sent over a SOCK_SEQPACKET Unix
// domain socket.
//
// Framing follows the length-prefixed binary style of
// helixml-helix/api/pkg/drm/protocol.go; fd-passing follows
// helixml-helix/api/pkg/drm/manager.go's use of unix.UnixRights and
// conn.WriteMsgUnix/ReadMsgUnix.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxFrameSize bounds a single frame's header+payload to guard against a
// malformed peer claiming an unbounded header length.
const MaxFrameSize = 1 << 20

// MaxFDsPerFrame bounds the number of file descriptors a single frame may
// carry. framebuffer_link carries the most, at two.
const MaxFDsPerFrame = 4

// Frame is one message on the wire: a header token identifying the message
// type, an optional JSON payload, and optional attached file descriptors.
type Frame struct {
	Header  string
	Payload []byte
	FDs     []int
}

// FramingError marks a malformed or truncated frame; per spec.md §7 this is
// fatal to the connection.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "wireproto: framing error: " + e.Reason }

// WriteFrame encodes and writes a frame over conn. The wire layout is a
// 2-byte big-endian header length, the header bytes, then the payload
// bytes; this is sent as a single SOCK_SEQPACKET message, so no outer
// frame-length prefix is required (the kernel preserves message
// boundaries).
func WriteFrame(conn *net.UnixConn, f Frame) error {
	buf, err := encodeFrame(f)
	if err != nil {
		return err
	}
	var rights []byte
	if len(f.FDs) > 0 {
		rights = unix.UnixRights(f.FDs...)
	}
	_, _, err = conn.WriteMsgUnix(buf, rights, nil)
	if err != nil {
		return fmt.Errorf("wireproto: write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next complete message on conn, parsing its
// header/payload and any attached file descriptors.
func ReadFrame(conn *net.UnixConn) (Frame, error) {
	buf := make([]byte, MaxFrameSize)
	oob := make([]byte, unix.CmsgSpace(MaxFDsPerFrame*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Frame{}, fmt.Errorf("wireproto: read frame: %w", err)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return Frame{}, &FramingError{Reason: "control message truncated (too many fds)"}
	}
	if flags&unix.MSG_TRUNC != 0 {
		return Frame{}, &FramingError{Reason: "message truncated (frame too large)"}
	}

	frame, err := decodeFrame(buf[:n])
	if err != nil {
		return Frame{}, err
	}
	frame.FDs, err = ParseFDs(oob[:oobn])
	if err != nil {
		return Frame{}, &FramingError{Reason: err.Error()}
	}
	return frame, nil
}

func encodeFrame(f Frame) ([]byte, error) {
	if len(f.Header) > 0xFFFF {
		return nil, &FramingError{Reason: "header too long"}
	}
	total := 2 + len(f.Header) + len(f.Payload)
	if total > MaxFrameSize {
		return nil, &FramingError{Reason: "frame exceeds maximum size"}
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(f.Header)))
	copy(buf[2:2+len(f.Header)], f.Header)
	copy(buf[2+len(f.Header):], f.Payload)
	return buf, nil
}

func decodeFrame(buf []byte) (Frame, error) {
	if len(buf) < 2 {
		return Frame{}, &FramingError{Reason: "truncated header length"}
	}
	headerLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+headerLen {
		return Frame{}, &FramingError{Reason: "truncated header"}
	}
	header := string(buf[2 : 2+headerLen])
	payload := buf[2+headerLen:]
	return Frame{Header: header, Payload: payload}, nil
}

// ParseFDs extracts file descriptors from socket control-message bytes
// produced by unix.Recvmsg/ReadMsgUnix's oob output.
func ParseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, msg := range messages {
		parsed, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}
