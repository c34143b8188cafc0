// Package rtp reassembles video access units from RTP payloads. The
// local stream probe feeds it interleaved packets and stops once one
// complete unit comes out.
package rtp

import (
	"strings"

	"github.com/pion/rtp"
)

// AccessUnit is one decoded video frame's worth of NAL units in Annex-B
// framing.
type AccessUnit struct {
	Data     []byte
	Keyframe bool
	NALUs    int
}

// Depacketizer assembles access units from a single RTP stream.
type Depacketizer interface {
	// Push feeds one packet. When the packet closes an access unit the
	// assembled unit is returned, otherwise nil.
	Push(pkt *rtp.Packet) (*AccessUnit, error)
}

// ForCodec picks a depacketizer from an SDP rtpmap encoding name.
func ForCodec(name string) (Depacketizer, bool) {
	switch strings.ToUpper(name) {
	case "H264":
		return NewH264(), true
	case "H265", "HEVC":
		return NewH265(), true
	case "MPEG4-GENERIC":
		return NewAAC(), true
	}
	return nil, false
}

var startCode = []byte{0, 0, 0, 1}

// unitBuffer accumulates the NAL units of the access unit being
// assembled.
type unitBuffer struct {
	data     []byte
	count    int
	keyframe bool
	params   bool // a parameter set landed in this unit
}

func (b *unitBuffer) add(nalu []byte, key bool) {
	b.data = append(b.data, startCode...)
	b.data = append(b.data, nalu...)
	b.count++
	b.keyframe = b.keyframe || key
}

// take hands off the assembled unit and resets for the next one.
func (b *unitBuffer) take() *AccessUnit {
	if b.count == 0 {
		return nil
	}
	au := &AccessUnit{Data: b.data, Keyframe: b.keyframe, NALUs: b.count}
	*b = unitBuffer{}
	return au
}
