package lora

import "fmt"

const (
	maxCANData      = 8
	maxOversizeData = 15
	maxCANHeaderLen = 5 // 2 fixed ID/dataLen bytes + up to 3 extended-ID chunks
)

// CANFrame is a single frame headed for the wire, modelled after the
// upstream CAN stack's packet shape (11-bit standard ID, optional 18-bit
// extension, up to 8 data bytes for a standard frame).
type CANFrame struct {
	ID       uint32
	Extended bool
	Data     []byte
}

// extendedID returns the 18-bit extension carried on top of the 11-bit
// base ID, and 0 if Extended is false.
func (f CANFrame) extendedID() uint32 {
	if !f.Extended {
		return 0
	}
	return (f.ID >> 11) & 0x3FFFF
}

func (f CANFrame) baseID() uint32 {
	return f.ID & 0x7FF
}

// extIDChunkCount mirrors parseExtIDSize: 0 chunks if there's no extension,
// otherwise 1, 2, or 3 chunks of 7 bits each depending on magnitude.
func extIDChunkCount(extID uint32) int {
	switch {
	case extID == 0:
		return 0
	case extID <= 0x7F:
		return 1
	case extID <= 0x3FFF:
		return 2
	default:
		return 3
	}
}

// writeHeader appends the ID/dataLen/extended-ID-chunk header to buf and
// returns the result, matching writeID's single-pass bit layout.
func writeHeader(buf []byte, id uint32, extID uint32, dataLen uint8) []byte {
	chunks := extIDChunkCount(extID)
	base := id & 0x7FF

	b0 := byte(base & 0xFF)
	b1 := byte((base>>8)&0x7) | (dataLen&0xF)<<3
	if chunks > 0 {
		b1 |= 0x80
	}
	buf = append(buf, b0, b1)

	remaining := extID
	for i := 0; i < chunks; i++ {
		chunk := byte(remaining & 0x7F)
		remaining >>= 7
		if i < chunks-1 {
			chunk |= 0x80
		}
		buf = append(buf, chunk)
	}
	return buf
}

// EncodeCANFrame packs a standard CAN frame (at most 8 data bytes) into its
// wire representation. Frames larger than 8 bytes are rejected, matching
// protocolTransmitCANFrame's bounds check.
func EncodeCANFrame(f CANFrame) ([]byte, error) {
	if len(f.Data) > maxCANData {
		return nil, fmt.Errorf("lora: CAN frame data length %d exceeds %d", len(f.Data), maxCANData)
	}
	buf := make([]byte, 0, maxCANHeaderLen+maxCANData)
	buf = writeHeader(buf, f.baseID(), f.extendedID(), uint8(len(f.Data)))
	buf = append(buf, f.Data...)
	return buf, nil
}

// EncodeOversizeFrame packs a frame whose length exceeds a real CAN frame's
// 8-byte limit (up to 15 bytes, the dataLen field's full 4-bit range), for
// fabricated/aggregated payloads that never actually existed as CAN
// traffic. Matches protocolTransmitOversizeFrame.
func EncodeOversizeFrame(id uint32, extended bool, data []byte) ([]byte, error) {
	if len(data) > maxOversizeData {
		return nil, fmt.Errorf("lora: oversize frame data length %d exceeds %d", len(data), maxOversizeData)
	}
	f := CANFrame{ID: id, Extended: extended}
	buf := make([]byte, 0, maxCANHeaderLen+maxOversizeData)
	buf = writeHeader(buf, f.baseID(), f.extendedID(), uint8(len(data)))
	buf = append(buf, data...)
	return buf, nil
}

// DecodeFrames parses every back-to-back encoded frame out of a single
// protocol payload, returning them in wire order. A malformed trailing
// fragment (not enough bytes left for the header it claims) is an error.
func DecodeFrames(payload []byte) ([]CANFrame, error) {
	var frames []CANFrame
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("lora: truncated frame header (%d bytes left)", len(payload))
		}
		b0, b1 := payload[0], payload[1]
		baseID := uint32(b0) | uint32(b1&0x7)<<8
		dataLen := (b1 >> 3) & 0xF
		extPresent := b1&0x80 != 0

		pos := 2
		var extID uint32
		shift := uint(0)
		if extPresent {
			for {
				if pos >= len(payload) {
					return nil, fmt.Errorf("lora: truncated extended-ID chunk")
				}
				chunk := payload[pos]
				pos++
				extID |= uint32(chunk&0x7F) << shift
				shift += 7
				if chunk&0x80 == 0 {
					break
				}
			}
		}

		if pos+int(dataLen) > len(payload) {
			return nil, fmt.Errorf("lora: truncated frame data (need %d, have %d)", dataLen, len(payload)-pos)
		}
		data := make([]byte, dataLen)
		copy(data, payload[pos:pos+int(dataLen)])
		pos += int(dataLen)

		id := baseID
		if extPresent {
			id |= extID << 11
		}
		frames = append(frames, CANFrame{ID: id, Extended: extPresent, Data: data})
		payload = payload[pos:]
	}
	return frames, nil
}
