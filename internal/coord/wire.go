package coord

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/signalsfoundry/mesosim/internal/checkpoint"
)

// Frame kinds carried as the first byte of every websocket binary frame. The
// payload layouts reuse the checkpoint codec so the wire format and the
// persisted in-flight queue stay byte-compatible.
const (
	frameHello  byte = 0x01 // sender rank introduces itself after connect
	frameCredit byte = 0x02 // one boundary diffusion credit
	frameAck    byte = 0x03 // acknowledgment of a credit sequence number
	frameClock  byte = 0x04 // local simulation clock announcement
)

type ackFrame struct {
	Rank int32 // acknowledging rank
	Seq  uint64
}

type clockFrame struct {
	Rank  int32
	Clock float64
	Seq   uint64 // per-sender announcement counter; receivers keep the highest
}

func encodeHello(rank int32) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(frameHello)
	binary.Write(buf, binary.LittleEndian, rank)
	return buf.Bytes()
}

func encodeCredit(m *checkpoint.BoundaryMessage) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(frameCredit)
	checkpoint.WriteMessage(buf, m)
	return buf.Bytes()
}

func encodeAck(a ackFrame) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(frameAck)
	binary.Write(buf, binary.LittleEndian, a.Rank)
	binary.Write(buf, binary.LittleEndian, a.Seq)
	return buf.Bytes()
}

func encodeClock(c clockFrame) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(frameClock)
	binary.Write(buf, binary.LittleEndian, c.Rank)
	binary.Write(buf, binary.LittleEndian, c.Clock)
	binary.Write(buf, binary.LittleEndian, c.Seq)
	return buf.Bytes()
}

func frameKind(data []byte) (byte, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return data[0], data[1:], nil
}

func decodeHello(payload []byte) (int32, error) {
	var rank int32
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &rank); err != nil {
		return 0, fmt.Errorf("decode hello: %w", err)
	}
	return rank, nil
}

func decodeCredit(payload []byte) (checkpoint.BoundaryMessage, error) {
	var m checkpoint.BoundaryMessage
	if err := checkpoint.ReadMessage(bytes.NewReader(payload), &m); err != nil {
		return m, fmt.Errorf("decode credit: %w", err)
	}
	return m, nil
}

func decodeAck(payload []byte) (ackFrame, error) {
	var a ackFrame
	r := bytes.NewReader(payload)
	if err := binary.Read(r, binary.LittleEndian, &a.Rank); err != nil {
		return a, fmt.Errorf("decode ack: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &a.Seq); err != nil {
		return a, fmt.Errorf("decode ack: %w", err)
	}
	return a, nil
}

func decodeClock(payload []byte) (clockFrame, error) {
	var c clockFrame
	r := bytes.NewReader(payload)
	if err := binary.Read(r, binary.LittleEndian, &c.Rank); err != nil {
		return c, fmt.Errorf("decode clock: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Clock); err != nil {
		return c, fmt.Errorf("decode clock: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Seq); err != nil {
		return c, fmt.Errorf("decode clock: %w", err)
	}
	return c, nil
}
