package metrics

// Event names emitted by the streaming pipeline. Tags always carry "component";
// session scoped events also carry "session_id".
const (
	EventExtractLatency   = "extract_latency_us"
	EventFrameCaptured    = "frame_captured"
	EventFrameDropped     = "frame_dropped"
	EventBatchReleased    = "batch_released"
	EventBatchDropped     = "batch_dropped"
	EventBatchSubmit      = "batch_submit"
	EventBatchResult      = "batch_result"
	EventSubmissionFailed = "submission_failed"
	EventStateChange      = "state_change"
	EventProbe            = "service_probe"
)
