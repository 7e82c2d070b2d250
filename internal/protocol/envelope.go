// Package protocol defines the broadcast envelope format and the handshake
// frame payloads exchanged over the room channel.
package protocol

// Envelope type constants. These strings are fixed by interop with the
// browser-side bridge and must not change.
const (
	TypeData     = "unity_transport_broadcast" // application payload frame
	TypeRequest  = "connection_request"        // client → host admission request
	TypeResponse = "connection_response"       // host → requester admission verdict
)

// Envelope is the JSON structure carried on the broadcast channel. The
// medium is text-based, so binary payloads travel base64-encoded in Data.
//
// For TypeResponse frames SenderID carries the *requester's* identity, not
// the host's: the channel cannot unicast, so the field doubles as an
// informal destination filter that every recipient must check.
type Envelope struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
	Data     string `json:"data"`
}

// Response is the decoded payload of a TypeResponse frame.
type Response struct {
	Approved bool
	Handle   uint64 // meaningful only when Approved
}
