// Package afc implements the narrow subset of Apple File Conduit the
// backup engine needs to acquire its sync lock: open, lock, close, and
// read. Everything else AFC can do is out of scope here.
package afc

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
)

const magic = "CFA6LPAA"

// Operation codes, the subset this package speaks.
const (
	opStatus    = 0x00000001
	opData      = 0x00000003
	opFileOpen  = 0x0000000d
	opFileClose = 0x0000000e
	opFileLock  = 0x0000000b
	opRead      = 0x00000010
	opOpenRes   = 0x00000017
)

// FileOpenMode values (AFC_FOPEN_*).
const (
	ModeReadOnly  = 0x00000001
	ModeReadWrite = 0x00000003
)

// Lock operation values: exclusive lock with LOCK_EX|LOCK_NB semantics,
// matching AFC_LOCK_EX used by the backup engine's lock-acquire retry
// loop.
const LockExclusive = 2 | 4

// AFC status/error codes (AFC_E_*). Only the ones this package's callers
// need to distinguish are named.
const (
	errSuccess      = 0
	errWouldBlock   = 23 // AFC_E_OP_WOULD_BLOCK — retryable during lock acquisition
	errObjectNotFound = 8
)

type header struct {
	EntireLength uint64
	ThisLength   uint64
	PacketNumber uint64
	Operation    uint64
}

const headerWireSize = 8 /*magic*/ + 32 /*four uint64 fields*/

// Client speaks the AFC packet protocol over a raw ServiceConnection
// socket, bypassing the plist envelope entirely.
type Client struct {
	conn    net.Conn
	nextPkt uint64
}

// NewClient wraps conn, which must already be the tunneled socket for an
// AFC-family service (com.apple.afc or, for backup locking, the
// mobilebackup2-adjacent lockdown file relay).
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) nextPacketNumber() uint64 {
	n := c.nextPkt
	c.nextPkt++
	return n
}

func (c *Client) sendPacket(operation uint64, headerPayload, dataPayload []byte) error {
	body := append(append([]byte{}, headerPayload...), dataPayload...)
	hdr := header{
		EntireLength: uint64(headerWireSize + len(body)),
		ThisLength:   uint64(headerWireSize + len(headerPayload)),
		PacketNumber: c.nextPacketNumber(),
		Operation:    operation,
	}

	buf := make([]byte, headerWireSize)
	copy(buf[0:8], magic)
	binary.LittleEndian.PutUint64(buf[8:16], hdr.EntireLength)
	binary.LittleEndian.PutUint64(buf[16:24], hdr.ThisLength)
	binary.LittleEndian.PutUint64(buf[24:32], hdr.PacketNumber)
	binary.LittleEndian.PutUint64(buf[32:40], hdr.Operation)

	if _, err := c.conn.Write(buf); err != nil {
		return ierrors.Wrap(ierrors.TransportLost, err, "write afc header")
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return ierrors.Wrap(ierrors.TransportLost, err, "write afc body")
		}
	}
	return nil
}

// receivePacket reads one AFC packet and returns its operation code and
// payload (header fields beyond the fixed ones plus any data, undivided
// since this client never needs to tell them apart).
func (c *Client) receivePacket() (operation uint64, payload []byte, err error) {
	buf := make([]byte, headerWireSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return 0, nil, ierrors.Wrap(ierrors.TransportLost, err, "read afc header")
	}
	if string(buf[0:8]) != magic {
		return 0, nil, ierrors.New(ierrors.ProtocolViolation, "bad afc magic")
	}
	entireLength := binary.LittleEndian.Uint64(buf[8:16])
	operation = binary.LittleEndian.Uint64(buf[32:40])

	if entireLength < headerWireSize {
		return 0, nil, ierrors.New(ierrors.ProtocolViolation, "afc entire_length %d below header size", entireLength)
	}
	remaining := entireLength - headerWireSize
	payload = make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return 0, nil, ierrors.Wrap(ierrors.TransportLost, err, "read afc payload")
		}
	}
	return operation, payload, nil
}

func statusCode(payload []byte) uint64 {
	if len(payload) < 8 {
		return errSuccess
	}
	return binary.LittleEndian.Uint64(payload[0:8])
}

func classifyAfcError(code uint64) error {
	switch code {
	case errSuccess:
		return nil
	case errWouldBlock:
		return ierrors.New(ierrors.OpWouldBlock, "afc operation would block")
	case errObjectNotFound:
		return ierrors.New(ierrors.AfcError, "afc object not found")
	default:
		return ierrors.New(ierrors.AfcError, "afc error code %d", code)
	}
}

// Open opens path in the given mode and returns a file handle.
func (c *Client) Open(path string, mode uint64) (uint64, error) {
	hdrPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(hdrPayload, mode)
	pathBytes := append([]byte(path), 0)

	if err := c.sendPacket(opFileOpen, hdrPayload, pathBytes); err != nil {
		return 0, err
	}
	op, payload, err := c.receivePacket()
	if err != nil {
		return 0, err
	}
	switch op {
	case opOpenRes:
		if len(payload) < 8 {
			return 0, ierrors.New(ierrors.ProtocolViolation, "afc open reply too short")
		}
		return binary.LittleEndian.Uint64(payload[0:8]), nil
	case opStatus:
		return 0, classifyAfcError(statusCode(payload))
	default:
		return 0, ierrors.New(ierrors.ProtocolViolation, "unexpected afc reply op %#x for open", op)
	}
}

// Lock attempts to acquire lockOp on handle. A would-block reply surfaces
// as ierrors.OpWouldBlock so the backup engine's retry loop can
// distinguish it from a fatal error.
func (c *Client) Lock(handle uint64, lockOp uint64) error {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], handle)
	binary.LittleEndian.PutUint64(payload[8:16], lockOp)

	if err := c.sendPacket(opFileLock, payload, nil); err != nil {
		return err
	}
	op, reply, err := c.receivePacket()
	if err != nil {
		return err
	}
	if op != opStatus {
		return ierrors.New(ierrors.ProtocolViolation, "unexpected afc reply op %#x for lock", op)
	}
	return classifyAfcError(statusCode(reply))
}

// Close releases handle.
func (c *Client) Close(handle uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, handle)

	if err := c.sendPacket(opFileClose, payload, nil); err != nil {
		return err
	}
	op, reply, err := c.receivePacket()
	if err != nil {
		return err
	}
	if op != opStatus {
		return ierrors.New(ierrors.ProtocolViolation, "unexpected afc reply op %#x for close", op)
	}
	return classifyAfcError(statusCode(reply))
}

// Read reads up to length bytes from handle at its current offset.
func (c *Client) Read(handle uint64, length uint64) ([]byte, error) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], handle)
	binary.LittleEndian.PutUint64(payload[8:16], length)

	if err := c.sendPacket(opRead, payload, nil); err != nil {
		return nil, err
	}
	op, reply, err := c.receivePacket()
	if err != nil {
		return nil, err
	}
	switch op {
	case opData:
		return reply, nil
	case opStatus:
		return nil, classifyAfcError(statusCode(reply))
	default:
		return nil, ierrors.New(ierrors.ProtocolViolation, "unexpected afc reply op %#x for read", op)
	}
}
