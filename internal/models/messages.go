package models

// ClientMessageType enumerates the inbound protocol message types
type ClientMessageType string

const (
	ClientAck        ClientMessageType = "ACK"
	ClientRegister   ClientMessageType = "REGISTER"
	ClientUnregister ClientMessageType = "UNREGISTER"
	ClientPing       ClientMessageType = "PING"
)

// ServerMessageType enumerates the outbound protocol message types
type ServerMessageType string

const (
	ServerCompetitionStart  ServerMessageType = "COMPETITION_START"
	ServerCompetitionEnd    ServerMessageType = "COMPETITION_END"
	ServerCompetitionUpdate ServerMessageType = "COMPETITION_UPDATE"
	ServerTaskPrepare       ServerMessageType = "TASK_PREPARE"
	ServerTaskStart         ServerMessageType = "TASK_START"
	ServerTaskEnd           ServerMessageType = "TASK_END"
	ServerTaskUpdated       ServerMessageType = "TASK_UPDATED"
	ServerPing              ServerMessageType = "PING"
)

// ClientMessage is one frame received from a connected client
type ClientMessage struct {
	RunID string            `json:"run_id"`
	Type  ClientMessageType `json:"type"`
}

// ServerMessage is one frame pushed to connected clients
type ServerMessage struct {
	RunID   string            `json:"run_id"`
	Type    ServerMessageType `json:"type"`
	Payload interface{}       `json:"payload,omitempty"`
}
