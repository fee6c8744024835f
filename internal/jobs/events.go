package jobs

// EventType enumerates the job stream event kinds.
type EventType string

const (
	EventJobStarted EventType = "JOB_STARTED"
	EventAudioChunk EventType = "AUDIO_CHUNK"
	EventJobDone    EventType = "JOB_DONE"
	EventJobCancel  EventType = "JOB_CANCELED"
	EventJobError   EventType = "JOB_ERROR"
)

// AudioPayload carries one synthesized chunk. Data is base64-encoded
// signed 16-bit little-endian PCM, pre-encoded once so history replay
// never re-encodes.
type AudioPayload struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	DataBase64 string `json:"data_base64"`
}

// TextRange locates a chunk inside the original request text by byte
// offsets (half-open).
type TextRange struct {
	ChunkIndex int `json:"chunk_index"`
	StartChar  int `json:"start_char"`
	EndChar    int `json:"end_char"`
}

// EventError is the failure payload of a JOB_ERROR event. Message carries
// the underlying error text; Details is an optional object of context.
type EventError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Event is one entry in a job's ordered event stream.
type Event struct {
	Type      EventType     `json:"type"`
	JobID     string        `json:"job_id"`
	Seq       int           `json:"seq,omitempty"`
	Audio     *AudioPayload `json:"audio,omitempty"`
	TextRange *TextRange    `json:"text_range,omitempty"`
	Error     *EventError   `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventJobDone, EventJobCancel, EventJobError:
		return true
	}
	return false
}
