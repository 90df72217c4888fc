package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制帧：4 字节头，可选 sequence、事件元数据，
// 之后是 4 字节 payload 长度与 payload。所有整数均为大端序。

const protocolVersion = 0b0001

// MessageType 帧类型。
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// Flags 帧标志位，低两位描述 sequence，0b0100 表示携带事件。
type Flags uint8

const (
	FlagNoSequence       Flags = 0b0000
	FlagPositiveSequence Flags = 0b0001
	FlagLastNoSequence   Flags = 0b0010
	FlagNegativeSequence Flags = 0b0011
	FlagWithEvent        Flags = 0b0100

	sequenceMask Flags = 0b0011
)

// Serialization 与 Compression 描述 payload 编码。
type Serialization uint8

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

// Event 服务端事件编号。
type Event int32

const (
	EventNone               Event = 0
	EventStartConnection    Event = 1
	EventFinishConnection   Event = 2
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52
	EventSessionStarted     Event = 150
	EventSessionFinished    Event = 152
	EventSessionFailed      Event = 153
)

// Frame is one decoded protocol message.
type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression

	Sequence  int32
	Event     Event
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

// Last reports whether the frame closes its stream.
func (f *Frame) Last() bool {
	seq := f.Flags & sequenceMask
	return seq == FlagLastNoSequence || seq == FlagNegativeSequence
}

func (f *Frame) hasSequence() bool {
	seq := f.Flags & sequenceMask
	return seq == FlagPositiveSequence || seq == FlagNegativeSequence
}

func (f *Frame) hasEvent() bool {
	return f.Flags&FlagWithEvent != 0
}

// connection-level events carry no session id but do carry a connect id
func (f *Frame) hasSessionID() bool {
	switch f.Event {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return false
	}
	return true
}

func (f *Frame) hasConnectID() bool {
	switch f.Event {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// MarshalBinary encodes the frame for a websocket binary message.
func (f *Frame) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | 0b0001,
		uint8(f.Type)<<4 | uint8(f.Flags),
		uint8(f.Serialization)<<4 | uint8(f.Compression),
		0x00,
	})

	put := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	putString := func(s string) {
		put(uint32(len(s)))
		buf.WriteString(s)
	}

	if f.hasSequence() {
		put(uint32(f.Sequence))
	}
	if f.hasEvent() {
		put(uint32(f.Event))
		if f.hasSessionID() {
			putString(f.SessionID)
		}
		if f.hasConnectID() {
			putString(f.ConnectID)
		}
	}
	if f.Type == ErrorMessage {
		put(f.ErrorCode)
	}
	put(uint32(len(f.Payload)))
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// ReadFrame decodes one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if version := head[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}
	// header size is counted in 4-byte words
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	f := &Frame{
		Type:          MessageType(head[1] >> 4),
		Flags:         Flags(head[1] & 0x0F),
		Serialization: Serialization(head[2] >> 4),
		Compression:   Compression(head[2] & 0x0F),
	}

	readU32 := func(what string) (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("read %s: %w", what, err)
		}
		return binary.BigEndian.Uint32(b[:]), nil
	}
	readString := func(what string) (string, error) {
		n, err := readU32(what + " size")
		if err != nil || n == 0 {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("read %s: %w", what, err)
		}
		return string(b), nil
	}

	var err error
	if f.hasSequence() {
		seq, err := readU32("sequence")
		if err != nil {
			return nil, err
		}
		f.Sequence = int32(seq)
	}
	if f.hasEvent() {
		event, err := readU32("event")
		if err != nil {
			return nil, err
		}
		f.Event = Event(int32(event))
		if f.hasSessionID() {
			if f.SessionID, err = readString("session id"); err != nil {
				return nil, err
			}
		}
		if f.hasConnectID() {
			if f.ConnectID, err = readString("connect id"); err != nil {
				return nil, err
			}
		}
	}
	if f.Type == ErrorMessage {
		if f.ErrorCode, err = readU32("error code"); err != nil {
			return nil, err
		}
	}

	size, err := readU32("payload size")
	if err != nil {
		return nil, err
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("read payload (%d bytes): %w", size, err)
		}
	}
	return f, nil
}

// DecodePayload returns the payload with its compression removed.
func (f *Frame) DecodePayload() ([]byte, error) {
	switch f.Compression {
	case CompressionNone:
		return f.Payload, nil
	case CompressionGzip:
		return gunzip(f.Payload)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", f.Compression)
	}
}

func newClientRequest(payload []byte, compression Compression) *Frame {
	return &Frame{
		Type:          FullClientRequest,
		Serialization: SerializationJSON,
		Compression:   compression,
		Payload:       payload,
	}
}

// newAudioRequest builds one audio packet. The last packet carries the
// negated sequence.
func newAudioRequest(audio []byte, sequence int32, last bool) *Frame {
	f := &Frame{
		Type:          AudioOnlyRequest,
		Serialization: SerializationNone,
		Compression:   CompressionGzip,
		Sequence:      sequence,
		Payload:       audio,
	}
	switch {
	case last && sequence != 0:
		f.Flags = FlagNegativeSequence
		f.Sequence = -sequence
	case last:
		f.Flags = FlagLastNoSequence
	case sequence > 0:
		f.Flags = FlagPositiveSequence
	}
	return f
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
