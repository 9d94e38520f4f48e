package domain

type EncoderState string

const (
	EncoderStarting EncoderState = "starting"
	EncoderRunning  EncoderState = "running"
	EncoderStopping EncoderState = "stopping"
	EncoderStopped  EncoderState = "stopped"
	EncoderStalled  EncoderState = "stalled"
	EncoderCrashed  EncoderState = "crashed"
)

func (s EncoderState) Terminal() bool {
	return s == EncoderStopped || s == EncoderStalled || s == EncoderCrashed
}

// Live reports whether the subprocess is expected to be alive.
func (s EncoderState) Live() bool {
	return s == EncoderRunning || s == EncoderStopping
}

// CompletedEvent is published to the upload collaborator when a session completes.
type CompletedEvent struct {
	SessionID  string  `json:"sessionId"`
	Meeting    Meeting `json:"meeting"`
	OutputPath string  `json:"outputPath"`
	SizeBytes  int64   `json:"sizeBytes"`
}
