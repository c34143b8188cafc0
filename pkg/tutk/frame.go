package tutk

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Video codec ids reported in frame headers and camera info.
const (
	CodecH264Legacy = 75 // older firmware labels h264 this way
	CodecH264       = 78
	CodecH265       = 80
	CodecAAC        = 137
	CodecULaw       = 141
)

// IsVideoCodec reports whether a codec id names a supported video codec.
func IsVideoCodec(id uint16) bool {
	return id == CodecH264Legacy || id == CodecH264 || id == CodecH265
}

// Frame size enum commanded to and reported by the device. Portrait
// doorbells report the base value shifted by DoorbellOffset.
const (
	FrameSizeHD    = 0
	FrameSizeSD    = 1
	DoorbellOffset = 3
)

// Frame header wire layouts. The device reports either the standard or the
// extended struct; the extended one appends a face-detection region.
const (
	frameInfoSize   = 32
	frameInfoExSize = 40
)

// FrameInfo is the per-frame metadata record delivered beside each frame.
type FrameInfo struct {
	CodecID    uint16
	IsKeyframe bool
	CamIndex   uint8
	OnlineNum  uint8
	Framerate  uint8
	FrameSize  uint8
	Bitrate    uint8
	FrameLen   uint32
	FrameNo    uint32
	TimeSec    uint32
	TimeMS     uint32

	// Face region, extended layout only.
	FaceX, FaceY, FaceW, FaceH uint16
	Extended                   bool
}

// Timestamp converts the device-reported seconds+milliseconds to wall time.
func (f FrameInfo) Timestamp() time.Time {
	return time.Unix(int64(f.TimeSec), int64(f.TimeMS)*int64(time.Millisecond))
}

func (f FrameInfo) String() string {
	kf := "-"
	if f.IsKeyframe {
		kf = "K"
	}
	return fmt.Sprintf("frame %d %s codec=%d size=%d rate=%d len=%d", f.FrameNo, kf, f.CodecID, f.FrameSize, f.Framerate, f.FrameLen)
}

// ParseFrameInfo decodes a frame header, distinguishing the standard and
// extended layouts by the reported length.
func ParseFrameInfo(data []byte) (FrameInfo, error) {
	if len(data) != frameInfoSize && len(data) != frameInfoExSize {
		return FrameInfo{}, fmt.Errorf("tutk: frame info length %d, want %d or %d", len(data), frameInfoSize, frameInfoExSize)
	}
	info := FrameInfo{
		CodecID:    binary.LittleEndian.Uint16(data[0:2]),
		IsKeyframe: data[2] == 1,
		CamIndex:   data[3],
		OnlineNum:  data[4],
		Framerate:  data[5],
		FrameSize:  data[6],
		Bitrate:    data[7],
		FrameLen:   binary.LittleEndian.Uint32(data[8:12]),
		FrameNo:    binary.LittleEndian.Uint32(data[12:16]),
		TimeSec:    binary.LittleEndian.Uint32(data[16:20]),
		TimeMS:     binary.LittleEndian.Uint32(data[20:24]),
	}
	if len(data) == frameInfoExSize {
		info.Extended = true
		info.FaceX = binary.LittleEndian.Uint16(data[32:34])
		info.FaceY = binary.LittleEndian.Uint16(data[34:36])
		info.FaceW = binary.LittleEndian.Uint16(data[36:38])
		info.FaceH = binary.LittleEndian.Uint16(data[38:40])
	}
	return info, nil
}

// AppendFrameInfo encodes a frame header in the standard layout. Test
// transports use it to script device behavior.
func AppendFrameInfo(dst []byte, info FrameInfo) []byte {
	buf := make([]byte, frameInfoSize)
	binary.LittleEndian.PutUint16(buf[0:2], info.CodecID)
	if info.IsKeyframe {
		buf[2] = 1
	}
	buf[3] = info.CamIndex
	buf[4] = info.OnlineNum
	buf[5] = info.Framerate
	buf[6] = info.FrameSize
	buf[7] = info.Bitrate
	binary.LittleEndian.PutUint32(buf[8:12], info.FrameLen)
	binary.LittleEndian.PutUint32(buf[12:16], info.FrameNo)
	binary.LittleEndian.PutUint32(buf[16:20], info.TimeSec)
	binary.LittleEndian.PutUint32(buf[20:24], info.TimeMS)
	return append(dst, buf...)
}
