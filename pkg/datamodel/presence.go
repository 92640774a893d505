package datamodel

// Client event kinds published to the bus.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// ClientStateMessage is the retained per-client message, published to
// <base>/<key>/<identity>. Retained messages are replayed by the broker on
// subscribe, which lets a fresh process reconstruct its last published view.
type ClientStateMessage struct {
	Connected   bool  `json:"connected"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// ClientEventMessage is the transition message, published to <base>/<key>/event.
type ClientEventMessage struct {
	Identity    string `json:"identity"`
	Event       string `json:"event"`
	TimestampMs int64  `json:"timestamp_ms"`
}
