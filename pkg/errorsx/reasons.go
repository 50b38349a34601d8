package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProbeFailure      ReasonCode = "probe_failure"
	ReasonSubmissionFailure ReasonCode = "submission_failure"
	ReasonPermissionDenied  ReasonCode = "permission_denied"

	ReasonDetectorConnect ReasonCode = "detector_connect"
	ReasonDetectorSend    ReasonCode = "detector_send"

	ReasonInvalidState ReasonCode = "invalid_state"
)
