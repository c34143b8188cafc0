package protocol

// Challenge statuses reported in the first byte of the 10001 payload.
const (
	ChallengeLegacy   = 1 // pre-provisioning firmware, fixed key
	ChallengeUpdating = 2
	ChallengeKeyed    = 3 // key is the first half of the enr
	ChallengeEnrCheck = 4
	ChallengeDouble   = 6 // two-stage decrypt over a 32-char enr
)

// legacyKey is the fixed secret used by firmware that predates per-device
// enr provisioning.
var legacyKey = []byte("FFFFFFFFFFFFFFFF")

// SolveChallenge turns a 10001 payload and the device enr into the 16-byte
// challenge response embedded in the auth message. The procedure is
// deterministic; any deviation from the expected shape is a protocol error.
func SolveChallenge(payload []byte, enr string) ([]byte, error) {
	if len(payload) < 17 {
		return nil, &Error{Reason: "challenge too short", Code: CodeConnectRequest}
	}
	status := payload[0]
	cameraEnr := make([]byte, 16)
	copy(cameraEnr, payload[1:17])

	var key []byte
	switch status {
	case ChallengeLegacy:
		key = legacyKey
	case ChallengeUpdating:
		return nil, &Error{Reason: "camera is updating", Status: status}
	case ChallengeKeyed:
		if len(enr) < 16 {
			return nil, &Error{Reason: "enr shorter than 16", Status: status}
		}
		key = []byte(enr[:16])
	case ChallengeEnrCheck:
		return nil, &Error{Reason: "camera is checking the enr", Status: status}
	case ChallengeDouble:
		if len(enr) < 32 {
			return nil, &Error{Reason: "enr shorter than 32", Status: status}
		}
		inner, err := xxteaDecrypt(cameraEnr, []byte(enr[:16]))
		if err != nil {
			return nil, err
		}
		cameraEnr = inner
		key = []byte(enr[16:32])
	default:
		return nil, &Error{Reason: "unexpected challenge status", Status: status}
	}

	response, err := xxteaDecrypt(cameraEnr, key)
	if err != nil {
		return nil, err
	}
	return response, nil
}
