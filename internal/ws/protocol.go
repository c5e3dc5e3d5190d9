package ws

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgError    MessageType = "error"

	// MsgResync is sent by clients to request an immediate snapshot.
	MsgResync MessageType = "resync"
)

// WSMessage is the envelope for every server-to-client frame. Snapshot
// frames carry a *chat.State payload.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// clientMessage is what clients may send; anything but MsgResync is ignored.
type clientMessage struct {
	Type MessageType `json:"type"`
}
