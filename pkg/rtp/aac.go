package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// AAC unwraps RFC 3640 (mpeg4-generic) payloads in the AAC-hbr mode the
// doorbell advertises: 16-bit AU headers holding a 13-bit size and a
// 3-bit index. Every packet carries whole access units, so each push
// yields a unit.
type AAC struct{}

func NewAAC() *AAC { return &AAC{} }

func (d *AAC) Push(pkt *rtp.Packet) (*AccessUnit, error) {
	payload := pkt.Payload
	if len(payload) < 2 {
		return nil, fmt.Errorf("rtp: aac payload of %d bytes", len(payload))
	}

	headerBits := int(binary.BigEndian.Uint16(payload[:2]))
	headerBytes := (headerBits + 7) / 8
	if len(payload) < 2+headerBytes {
		return nil, fmt.Errorf("rtp: aac au-headers of %d bits exceed payload", headerBits)
	}
	headers := payload[2 : 2+headerBytes]
	data := payload[2+headerBytes:]

	unit := &AccessUnit{}
	offset := 0
	for len(headers) >= 2 {
		size := int(binary.BigEndian.Uint16(headers[:2]) >> 3)
		headers = headers[2:]
		if offset+size > len(data) {
			return nil, fmt.Errorf("rtp: aac au of %d bytes exceeds payload", size)
		}
		unit.Data = append(unit.Data, data[offset:offset+size]...)
		unit.NALUs++
		offset += size
	}
	if unit.NALUs == 0 {
		return nil, nil
	}
	return unit, nil
}
