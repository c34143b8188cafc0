package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// H.265 NAL unit types the assembler cares about (RFC 7798). Types 16
// through 21 are the random-access pictures.
const (
	h265TypeIRAPFirst   = 16
	h265TypeIRAPLast    = 21
	h265TypeVPS         = 32
	h265TypeSPS         = 33
	h265TypePPS         = 34
	h265TypeAggregation = 48
	h265TypeFragment    = 49
)

// H265 reassembles RFC 7798 payloads: single NAL units, aggregation
// packets and fragmentation units. DONL fields are not expected; the
// cameras never negotiate sprop-max-don-diff.
type H265 struct {
	au   unitBuffer
	frag []byte
	vps  []byte
	sps  []byte
	pps  []byte
}

func NewH265() *H265 { return &H265{} }

func (d *H265) Push(pkt *rtp.Packet) (*AccessUnit, error) {
	if len(pkt.Payload) < 2 {
		return nil, nil
	}
	switch h265Type(pkt.Payload) {
	case h265TypeFragment:
		if err := d.pushFragment(pkt.Payload); err != nil {
			return nil, err
		}
	case h265TypeAggregation:
		if err := d.pushAggregate(pkt.Payload); err != nil {
			return nil, err
		}
	default:
		d.pushNALU(pkt.Payload)
	}
	if pkt.Marker {
		return d.au.take(), nil
	}
	return nil, nil
}

func (d *H265) pushFragment(payload []byte) error {
	if len(payload) < 3 {
		return fmt.Errorf("rtp: fu payload of %d bytes", len(payload))
	}
	fu := payload[2]
	switch {
	case fu&0x80 != 0:
		// Rebuild the two-byte NAL header from the FU type.
		d.frag = append(d.frag[:0], payload[0]&0x81|(fu&0x3F)<<1, payload[1])
	case len(d.frag) == 0:
		return nil
	}
	d.frag = append(d.frag, payload[3:]...)
	if fu&0x40 != 0 {
		d.pushNALU(d.frag)
		d.frag = d.frag[:0]
	}
	return nil
}

func (d *H265) pushAggregate(payload []byte) error {
	payload = payload[2:]
	for len(payload) >= 2 {
		size := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if size > len(payload) {
			return fmt.Errorf("rtp: aggregation unit of %d bytes exceeds payload", size)
		}
		d.pushNALU(payload[:size])
		payload = payload[size:]
	}
	return nil
}

func (d *H265) pushNALU(nalu []byte) {
	if len(nalu) < 2 {
		return
	}
	t := h265Type(nalu)
	switch {
	case t == h265TypeVPS:
		d.vps = append(d.vps[:0], nalu...)
		d.au.params = true
	case t == h265TypeSPS:
		d.sps = append(d.sps[:0], nalu...)
		d.au.params = true
	case t == h265TypePPS:
		d.pps = append(d.pps[:0], nalu...)
		d.au.params = true
	case t >= h265TypeIRAPFirst && t <= h265TypeIRAPLast:
		if !d.au.params && len(d.vps) > 0 && len(d.sps) > 0 && len(d.pps) > 0 {
			d.au.add(d.vps, false)
			d.au.add(d.sps, false)
			d.au.add(d.pps, false)
			d.au.params = true
		}
		d.au.add(nalu, true)
		return
	}
	d.au.add(nalu, false)
}

func h265Type(nalu []byte) uint8 {
	return nalu[0] >> 1 & 0x3F
}
