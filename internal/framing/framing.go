// Package framing implements the length-prefixed message I/O shared by
// the multiplexer (16-byte LE header) and lockdown/servicelink (4-byte BE
// length); afc does its own packet I/O. It knows nothing about plist or
// any other payload format; see plistio for that layer.
package framing

import (
	"encoding/binary"
	"io"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
)

// MuxHeaderSize is the fixed 16-byte usbmuxd frame header.
const MuxHeaderSize = 16

// MuxHeader is the header of every multiplexer-protocol message.
type MuxHeader struct {
	Length      uint32 // total length including this header
	Version     uint32
	MessageType uint32
	Tag         uint32
}

// MinMuxMessageLength is the minimum legal value of a MuxHeader's Length
// field; anything smaller indicates a corrupt stream.
const MinMuxMessageLength = MuxHeaderSize

func (h MuxHeader) Marshal() []byte {
	buf := make([]byte, MuxHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.MessageType)
	binary.LittleEndian.PutUint32(buf[12:16], h.Tag)
	return buf
}

func UnmarshalMuxHeader(buf []byte) MuxHeader {
	return MuxHeader{
		Length:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		MessageType: binary.LittleEndian.Uint32(buf[8:12]),
		Tag:         binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Reader reads length-prefixed frames off a stream connection.
// ReadMuxFrame reuses a single scratch buffer across reads;
// ReadLengthPrefixed allocates a new buffer for each frame.
type Reader struct {
	r     io.Reader
	local util.GrowableByteSlice
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMuxFrame reads one multiplexer-framed message and returns its header
// and payload (payload excludes the header).
func (fr *Reader) ReadMuxFrame() (MuxHeader, []byte, error) {
	var hdrBuf [MuxHeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdrBuf[:]); err != nil {
		return MuxHeader{}, nil, wrapReadErr(err)
	}
	hdr := UnmarshalMuxHeader(hdrBuf[:])
	if hdr.Length < MinMuxMessageLength {
		return MuxHeader{}, nil, ierrors.New(ierrors.ProtocolViolation,
			"mux frame length %d below minimum header size %d", hdr.Length, MinMuxMessageLength)
	}

	payloadLen := int64(hdr.Length) - MuxHeaderSize
	fr.local.Resize(payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(fr.r, fr.local.Bytes()); err != nil {
			return MuxHeader{}, nil, wrapReadErr(err)
		}
	}

	// fr.local.Bytes() aliases the reader's scratch buffer, which the next
	// ReadMuxFrame call overwrites; callers must finish with the payload
	// before reading again.
	return hdr, fr.local.Bytes(), nil
}

// ReadLengthPrefixed reads one {length uint32 BE}{payload} frame, used by
// lockdown and plist-oriented service connections.
func (fr *Reader) ReadLengthPrefixed() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, wrapReadErr(err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return nil, wrapReadErr(err)
		}
	}
	return buf, nil
}

// ReadInt32BE reads a single big-endian int32, used by the backup engine's
// streaming file-receive sublanguage.
func ReadInt32BE(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, wrapReadErr(err)
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteMuxFrame writes a complete multiplexer-framed message (header then
// payload) to w.
func WriteMuxFrame(w io.Writer, version, messageType, tag uint32, payload []byte) error {
	hdr := MuxHeader{
		Length:      uint32(MuxHeaderSize + len(payload)),
		Version:     version,
		MessageType: messageType,
		Tag:         tag,
	}
	if _, err := w.Write(hdr.Marshal()); err != nil {
		return wrapWriteErr(err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return wrapWriteErr(err)
		}
	}
	return nil
}

// WriteLengthPrefixed writes a {length uint32 BE}{payload} frame.
func WriteLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return wrapWriteErr(err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return wrapWriteErr(err)
		}
	}
	return nil
}

func wrapReadErr(err error) error {
	return ierrors.Wrap(ierrors.TransportLost, err, "connection lost while reading")
}

func wrapWriteErr(err error) error {
	return ierrors.Wrap(ierrors.TransportLost, err, "connection lost while writing")
}
