package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// H.264 NAL unit types the assembler cares about (RFC 6184).
const (
	h264TypeIDR   = 5
	h264TypeSPS   = 7
	h264TypePPS   = 8
	h264TypeSTAPA = 24
	h264TypeFUA   = 28
)

// H264 reassembles RFC 6184 payloads: single NAL units, STAP-A
// aggregates and FU-A fragments.
type H264 struct {
	au   unitBuffer
	frag []byte
	sps  []byte
	pps  []byte
}

func NewH264() *H264 { return &H264{} }

func (d *H264) Push(pkt *rtp.Packet) (*AccessUnit, error) {
	if len(pkt.Payload) == 0 {
		return nil, nil
	}
	switch pkt.Payload[0] & 0x1F {
	case h264TypeFUA:
		if err := d.pushFragment(pkt.Payload); err != nil {
			return nil, err
		}
	case h264TypeSTAPA:
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

func (d *H264) pushFragment(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("rtp: fu-a payload of %d bytes", len(payload))
	}
	indicator, header := payload[0], payload[1]
	switch {
	case header&0x80 != 0:
		d.frag = append(d.frag[:0], indicator&0xE0|header&0x1F)
	case len(d.frag) == 0:
		// Tail of a unit whose start we never saw.
		return nil
	}
	d.frag = append(d.frag, payload[2:]...)
	if header&0x40 != 0 {
		d.pushNALU(d.frag)
		d.frag = d.frag[:0]
	}
	return nil
}

func (d *H264) pushAggregate(payload []byte) error {
	payload = payload[1:]
	for len(payload) >= 2 {
		size := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if size > len(payload) {
			return fmt.Errorf("rtp: stap-a unit of %d bytes exceeds payload", size)
		}
		d.pushNALU(payload[:size])
		payload = payload[size:]
	}
	return nil
}

func (d *H264) pushNALU(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case h264TypeSPS:
		d.sps = append(d.sps[:0], nalu...)
		d.au.params = true
	case h264TypePPS:
		d.pps = append(d.pps[:0], nalu...)
		d.au.params = true
	case h264TypeIDR:
		// Cameras send parameter sets out of band or once at startup;
		// re-inject the stored copies so the unit decodes standalone.
		if !d.au.params && len(d.sps) > 0 && len(d.pps) > 0 {
			d.au.add(d.sps, false)
			d.au.add(d.pps, false)
			d.au.params = true
		}
		d.au.add(nalu, true)
		return
	}
	d.au.add(nalu, false)
}
