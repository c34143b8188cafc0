package tutk

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"
)

// Session modes reported by SessionCheck.
const (
	ModeP2P   = 0
	ModeRelay = 1
	ModeLAN   = 2
)

// ModeName renders a session mode for logs and the control surface.
func ModeName(mode uint8) string {
	switch mode {
	case ModeP2P:
		return "p2p"
	case ModeRelay:
		return "relay"
	case ModeLAN:
		return "lan"
	}
	return fmt.Sprintf("mode-%d", mode)
}

// SessionInfo mirrors the extended session-check struct. NetState is
// opaque; it is carried for logging only.
type SessionInfo struct {
	Mode          uint8
	UID           string
	RemoteIP      string
	RemotePort    uint16
	TxPackets     uint32
	RxPackets     uint32
	NATType       uint8
	RemoteNATType uint8
	RelayType     uint8
	NetState      uint32
	WanIP         string
	WanPort       uint16
	Secure        bool
}

// Native struct offsets. Layout: cb u32, mode u8, c_or_d i8, uid[21],
// remote_ip[47], remote_port u16, tx u32, rx u32, version u32, vid u16,
// pid u16, gid u16, is_secure u8, nat u8, remote_nat u8, relay u8,
// pad[2], net_state u32, wan_ip[47], pad[1], wan_port u16.
const (
	siMode       = 4
	siUID        = 6
	siRemoteIP   = 27
	siRemotePort = 74
	siTxPackets  = 76
	siRxPackets  = 80
	siVendorID   = 88
	siSecure     = 94
	siNATType    = 95
	siRemoteNAT  = 96
	siRelayType  = 97
	siNetState   = 100
	siWanIP      = 104
	siWanPort    = 152
	siTotal      = 156
)

func parseSessionInfo(buf []byte) SessionInfo {
	cstr := func(b []byte) string {
		if i := strings.IndexByte(string(b), 0); i >= 0 {
			b = b[:i]
		}
		return string(b)
	}
	return SessionInfo{
		Mode:          buf[siMode],
		UID:           cstr(buf[siUID:siRemoteIP]),
		RemoteIP:      cstr(buf[siRemoteIP : siRemoteIP+47]),
		RemotePort:    binary.LittleEndian.Uint16(buf[siRemotePort:]),
		TxPackets:     binary.LittleEndian.Uint32(buf[siTxPackets:]),
		RxPackets:     binary.LittleEndian.Uint32(buf[siRxPackets:]),
		Secure:        buf[siSecure] != 0,
		NATType:       buf[siNATType],
		RemoteNATType: buf[siRemoteNAT],
		RelayType:     buf[siRelayType],
		NetState:      binary.LittleEndian.Uint32(buf[siNetState:]),
		WanIP:         cstr(buf[siWanIP : siWanIP+47]),
		WanPort:       binary.LittleEndian.Uint16(buf[siWanPort:]),
	}
}

// AuthKey derives the 8-character connect key for DTLS devices from the
// device secret and mac: base64 of the first 6 sha256 bytes of enr plus
// upper-cased mac, with the symbols +/= remapped to Z/9/A.
func AuthKey(enr, mac string) string {
	sum := sha256.Sum256([]byte(enr + strings.ToUpper(mac)))
	key := base64.StdEncoding.EncodeToString(sum[:6])
	key = strings.ReplaceAll(key, "+", "Z")
	key = strings.ReplaceAll(key, "/", "9")
	key = strings.ReplaceAll(key, "=", "A")
	return key
}

// connectOptions builds the 24-byte connect-ex argument: cb, auth type 1
// (static auth key), the 8-byte key, timeout seconds.
func connectOptions(authKey string, timeoutSec uint32) [24]byte {
	var opt [24]byte
	binary.LittleEndian.PutUint32(opt[0:4], 24)
	binary.LittleEndian.PutUint32(opt[4:8], 1)
	copy(opt[8:16], authKey)
	binary.LittleEndian.PutUint32(opt[16:20], timeoutSec)
	return opt
}

// Connect establishes an IOTC session to the device and returns the
// session id. DTLS devices go through the connect-ex entry point with a
// derived auth key; everything else uses the parallel connect.
func (l *Library) Connect(uid string, dtls bool, enr, mac string) (int32, error) {
	sid := l.syms.getSessionID()
	if sid < 0 {
		return 0, fmt.Errorf("allocate session id: %w", Errno(sid))
	}
	var rc int32
	if dtls {
		opt := connectOptions(AuthKey(enr, mac), 20)
		rc = l.syms.connectEx(uid, sid, unsafe.Pointer(&opt[0]))
	} else {
		rc = l.syms.connectParallel(uid, sid)
	}
	if rc < 0 {
		l.syms.sessionClose(sid)
		return 0, Errno(rc)
	}
	return sid, nil
}

// ConnectStop aborts an in-flight connect from another goroutine; the
// blocked Connect then returns an error.
func (l *Library) ConnectStop(sid int32) {
	l.syms.connectStop(sid)
}

// SessionCheck queries the negotiated session parameters.
func (l *Library) SessionCheck(sid int32) (SessionInfo, error) {
	buf := make([]byte, siTotal)
	binary.LittleEndian.PutUint32(buf[0:4], siTotal)
	if rc := l.syms.sessionCheck(sid, unsafe.Pointer(&buf[0])); rc < 0 {
		return SessionInfo{}, Errno(rc)
	}
	return parseSessionInfo(buf), nil
}

// SessionClose tears the IOTC session down. Blocking native calls on the
// session return errors once it is closed. Safe to call repeatedly.
func (l *Library) SessionClose(sid int32) {
	l.syms.sessionClose(sid)
}
