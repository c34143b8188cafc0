package tutk

import "fmt"

// Errno is a status code returned by the vendor library. Zero and positive
// values signal success (often carrying a length or an id); negative values
// are errors. The constants below cover every code the bridge makes a
// decision on; anything else is passed through numerically.
type Errno int32

const (
	ErrServerNotResponse  Errno = -1
	ErrAlreadyInitialized Errno = -3
	ErrUnlicensed         Errno = -10
	ErrExceedMaxSession   Errno = -12
	ErrTimeout            Errno = -13
	ErrDeviceNotListening Errno = -19
	ErrNoFreeChannel      Errno = -22
	ErrWrongAuthKey       Errno = -68
	ErrDeviceOffline      Errno = -90

	ErrAVTimeout                 Errno = -20003
	ErrAVInvalidID               Errno = -20009
	ErrAVWrongPassword           Errno = -20011
	ErrAVDataNoReady             Errno = -20012
	ErrAVIncompleteFrame         Errno = -20013
	ErrAVLosedThisFrame          Errno = -20014
	ErrAVSessionClosedByRemote   Errno = -20015
	ErrAVRemoteTimeoutDisconnect Errno = -20016
)

var errnoNames = map[Errno]string{
	ErrServerNotResponse:         "server not responding",
	ErrAlreadyInitialized:        "already initialized",
	ErrUnlicensed:                "invalid license key",
	ErrExceedMaxSession:          "max sessions exceeded",
	ErrTimeout:                   "timeout",
	ErrDeviceNotListening:        "device not listening",
	ErrNoFreeChannel:             "no free channel",
	ErrWrongAuthKey:              "wrong auth key",
	ErrDeviceOffline:             "device offline",
	ErrAVTimeout:                 "av timeout",
	ErrAVInvalidID:               "invalid av channel id",
	ErrAVWrongPassword:           "wrong account or password",
	ErrAVDataNoReady:             "data not ready",
	ErrAVIncompleteFrame:         "incomplete frame",
	ErrAVLosedThisFrame:          "lost this frame",
	ErrAVSessionClosedByRemote:   "session closed by remote",
	ErrAVRemoteTimeoutDisconnect: "remote timeout disconnect",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return fmt.Sprintf("tutk: %s (%d)", name, int32(e))
	}
	return fmt.Sprintf("tutk: error %d", int32(e))
}

// Offline reports whether the device was unreachable at the P2P layer.
func (e Errno) Offline() bool { return e == ErrDeviceOffline }

// StaleCredentials reports whether the failure usually means the cached
// descriptor (ip, enr) is out of date and should be refreshed from the cloud.
func (e Errno) StaleCredentials() bool {
	switch e {
	case ErrTimeout, ErrDeviceNotListening, ErrWrongAuthKey:
		return true
	}
	return false
}

// FrameTransient reports whether a frame receive error is absorbed by the
// pump loop rather than tearing the session down.
func (e Errno) FrameTransient() bool {
	switch e {
	case ErrAVDataNoReady, ErrAVIncompleteFrame, ErrAVLosedThisFrame:
		return true
	}
	return false
}

// RemoteClosed reports whether the peer ended the session; listeners treat
// this as a clean shutdown rather than an error.
func (e Errno) RemoteClosed() bool {
	return e == ErrAVSessionClosedByRemote || e == ErrAVRemoteTimeoutDisconnect
}

// errnoOf converts a raw return value to error, mapping >= 0 to nil.
func errnoOf(rc int32) error {
	if rc >= 0 {
		return nil
	}
	return Errno(rc)
}
