package tutk

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
)

// DefaultLibraryPaths is searched in order when no explicit path is given.
var DefaultLibraryPaths = []string{
	"/usr/local/lib/libIOTCAPIs_ALL.so",
	"/usr/lib/libIOTCAPIs_ALL.so",
	"./libIOTCAPIs_ALL.so",
}

// ControlTypeUserDefined is the IO-ctrl type carrying the framed control
// protocol; everything the bridge sends and receives uses it.
const ControlTypeUserDefined uint32 = 0x1FF0

// Config parameterizes library initialization.
type Config struct {
	LibraryPaths []string // candidate shared-object paths, first hit wins
	UDPPort      uint16   // 0 lets the library pick
	MaxChannels  int32
	LicenseKey   string
	Log          zerolog.Logger
}

// symbols is the resolved entry-point table. Keeping them as plain function
// fields lets tests swap the whole table for a scripted fake.
type symbols struct {
	setLicenseKey    func(key string) int32
	initialize       func(udpPort uint16) int32
	deinitialize     func() int32
	getSessionID     func() int32
	connectParallel  func(uid string, sid int32) int32
	connectEx        func(uid string, sid int32, opt unsafe.Pointer) int32
	connectStop      func(sid int32) int32
	sessionCheck     func(sid int32, info unsafe.Pointer) int32
	sessionClose     func(sid int32) int32
	avInitialize     func(maxChannels int32) int32
	avDeinitialize   func() int32
	avClientStart    func(sid int32, acc, pwd string, timeoutSec uint32, servType unsafe.Pointer, channel uint8, resend unsafe.Pointer) int32
	avClientStop     func(av int32) int32
	avClientCleanBuf func(av int32) int32
	avRecvFrameData  func(av int32, buf unsafe.Pointer, bufSize int32, outLen, outExpected unsafe.Pointer, info unsafe.Pointer, infoSize int32, outInfoLen, outFrameNo unsafe.Pointer) int32
	avRecvAudioData  func(av int32, buf unsafe.Pointer, bufSize int32, info unsafe.Pointer, infoSize int32, outFrameNo unsafe.Pointer) int32
	avSendIOCtrl     func(av int32, ctrlType uint32, data unsafe.Pointer, length int32) int32
	avRecvIOCtrl     func(av int32, outCtrlType unsafe.Pointer, buf unsafe.Pointer, bufSize int32, timeoutMS uint32) int32
}

// Library wraps the vendor shared object. The process-global native state
// is reference-counted: the first Open initializes, the last Close tears
// down. One Library value is shared by every session in the process.
type Library struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	refs   int
	handle uintptr
	syms   symbols
}

// NewLibrary prepares a Library; nothing is loaded until Open.
func NewLibrary(cfg Config) *Library {
	if len(cfg.LibraryPaths) == 0 {
		cfg.LibraryPaths = DefaultLibraryPaths
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 32
	}
	return &Library{cfg: cfg, log: cfg.Log}
}

// Open loads the shared object and initializes the native state, once.
// Every Open must be paired with a Close.
func (l *Library) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs > 0 {
		l.refs++
		return nil
	}
	if l.handle == 0 {
		if err := l.load(); err != nil {
			return err
		}
	}
	if l.cfg.LicenseKey != "" {
		if rc := l.syms.setLicenseKey(l.cfg.LicenseKey); rc < 0 {
			return fmt.Errorf("set license key: %w", Errno(rc))
		}
	}
	if rc := l.syms.initialize(l.cfg.UDPPort); rc < 0 && Errno(rc) != ErrAlreadyInitialized {
		return fmt.Errorf("iotc initialize: %w", Errno(rc))
	}
	if rc := l.syms.avInitialize(l.cfg.MaxChannels); rc < 0 {
		l.syms.deinitialize()
		return fmt.Errorf("av initialize: %w", Errno(rc))
	}
	l.refs = 1
	l.log.Info().Int32("max_channels", l.cfg.MaxChannels).Msg("native library initialized")
	return nil
}

// Close releases one reference; the last reference deinitializes the
// native state. Extra Closes are ignored.
func (l *Library) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return
	}
	l.refs--
	if l.refs > 0 {
		return
	}
	l.syms.avDeinitialize()
	l.syms.deinitialize()
	l.log.Info().Msg("native library deinitialized")
}

func (l *Library) load() error {
	var lastErr error
	for _, path := range l.cfg.LibraryPaths {
		if _, err := os.Stat(path); err != nil {
			lastErr = err
			continue
		}
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = fmt.Errorf("dlopen %s: %w", path, err)
			continue
		}
		l.handle = handle
		l.register()
		l.log.Info().Str("path", path).Msg("native library loaded")
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate paths")
	}
	return fmt.Errorf("locate native library: %w", lastErr)
}

func (l *Library) register() {
	purego.RegisterLibFunc(&l.syms.setLicenseKey, l.handle, "TUTK_SDK_Set_License_Key")
	purego.RegisterLibFunc(&l.syms.initialize, l.handle, "IOTC_Initialize2")
	purego.RegisterLibFunc(&l.syms.deinitialize, l.handle, "IOTC_DeInitialize")
	purego.RegisterLibFunc(&l.syms.getSessionID, l.handle, "IOTC_Get_SessionID")
	purego.RegisterLibFunc(&l.syms.connectParallel, l.handle, "IOTC_Connect_ByUID_Parallel")
	purego.RegisterLibFunc(&l.syms.connectEx, l.handle, "IOTC_Connect_ByUIDEx")
	purego.RegisterLibFunc(&l.syms.connectStop, l.handle, "IOTC_Connect_Stop_BySID")
	purego.RegisterLibFunc(&l.syms.sessionCheck, l.handle, "IOTC_Session_Check_Ex")
	purego.RegisterLibFunc(&l.syms.sessionClose, l.handle, "IOTC_Session_Close")
	purego.RegisterLibFunc(&l.syms.avInitialize, l.handle, "avInitialize")
	purego.RegisterLibFunc(&l.syms.avDeinitialize, l.handle, "avDeInitialize")
	purego.RegisterLibFunc(&l.syms.avClientStart, l.handle, "avClientStart2")
	purego.RegisterLibFunc(&l.syms.avClientStop, l.handle, "avClientStop")
	purego.RegisterLibFunc(&l.syms.avClientCleanBuf, l.handle, "avClientCleanBuf")
	purego.RegisterLibFunc(&l.syms.avRecvFrameData, l.handle, "avRecvFrameData2")
	purego.RegisterLibFunc(&l.syms.avRecvAudioData, l.handle, "avRecvAudioData")
	purego.RegisterLibFunc(&l.syms.avSendIOCtrl, l.handle, "avSendIOCtrl")
	purego.RegisterLibFunc(&l.syms.avRecvIOCtrl, l.handle, "avRecvIOCtrl")
}

// AVStart opens an AV channel on a connected session. Returns the channel
// id. resend must be false for battery cameras.
func (l *Library) AVStart(sid int32, username, password string, timeout time.Duration, channel uint8, resend bool) (int32, error) {
	var servType uint32
	resendFlag := int32(0)
	if resend {
		resendFlag = 1
	}
	rc := l.syms.avClientStart(sid, username, password, uint32(timeout/time.Second), unsafe.Pointer(&servType), channel, unsafe.Pointer(&resendFlag))
	if rc < 0 {
		return 0, Errno(rc)
	}
	if logger.Enabled(logger.DebugTUTK) {
		l.log.Debug().Int32("sid", sid).Int32("av", rc).Uint32("serv_type", servType).Msg("av channel started")
	}
	return rc, nil
}

// AVStop closes an AV channel. Safe on already-closed channels.
func (l *Library) AVStop(av int32) {
	l.syms.avClientStop(av)
}

// AVCleanBuf drops any frames buffered on the channel; called right after
// start so the pump begins at the live edge.
func (l *Library) AVCleanBuf(av int32) {
	l.syms.avClientCleanBuf(av)
}

// RecvFrame reads one frame into buf. The returned count is the frame
// length; the FrameInfo is the decoded per-frame header.
func (l *Library) RecvFrame(av int32, buf []byte) (int, FrameInfo, error) {
	var (
		outLen      int32
		outExpected int32
		outInfoLen  int32
		outFrameNo  uint32
		infoBuf     [frameInfoExSize]byte
	)
	rc := l.syms.avRecvFrameData(av,
		unsafe.Pointer(&buf[0]), int32(len(buf)),
		unsafe.Pointer(&outLen), unsafe.Pointer(&outExpected),
		unsafe.Pointer(&infoBuf[0]), int32(len(infoBuf)),
		unsafe.Pointer(&outInfoLen), unsafe.Pointer(&outFrameNo))
	if rc < 0 {
		return 0, FrameInfo{}, Errno(rc)
	}
	n := int(rc)
	if outInfoLen != frameInfoSize && outInfoLen != frameInfoExSize {
		return 0, FrameInfo{}, fmt.Errorf("frame info length %d: %w", outInfoLen, ErrAVIncompleteFrame)
	}
	info, err := ParseFrameInfo(infoBuf[:outInfoLen])
	if err != nil {
		return 0, FrameInfo{}, err
	}
	return n, info, nil
}

// RecvAudio reads one audio frame into buf.
func (l *Library) RecvAudio(av int32, buf []byte) (int, FrameInfo, error) {
	var (
		outFrameNo uint32
		infoBuf    [frameInfoExSize]byte
	)
	rc := l.syms.avRecvAudioData(av,
		unsafe.Pointer(&buf[0]), int32(len(buf)),
		unsafe.Pointer(&infoBuf[0]), int32(frameInfoSize),
		unsafe.Pointer(&outFrameNo))
	if rc < 0 {
		return 0, FrameInfo{}, Errno(rc)
	}
	info, err := ParseFrameInfo(infoBuf[:frameInfoSize])
	if err != nil {
		return 0, FrameInfo{}, err
	}
	return int(rc), info, nil
}

// SendIOCtrl submits one control message on the channel.
func (l *Library) SendIOCtrl(av int32, ctrlType uint32, data []byte) error {
	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}
	return errnoOf(l.syms.avSendIOCtrl(av, ctrlType, p, int32(len(data))))
}

// RecvIOCtrl waits up to timeout for one control message, returning its
// ctrl type and payload length in buf.
func (l *Library) RecvIOCtrl(av int32, buf []byte, timeout time.Duration) (uint32, int, error) {
	var ctrlType uint32
	rc := l.syms.avRecvIOCtrl(av, unsafe.Pointer(&ctrlType), unsafe.Pointer(&buf[0]), int32(len(buf)), uint32(timeout/time.Millisecond))
	if rc < 0 {
		return 0, 0, Errno(rc)
	}
	return ctrlType, int(rc), nil
}
