package medium

// signalType identifies the kind of signaling message exchanged over the
// WebSocket before the DataChannel opens.
type signalType string

const (
	sigOffer     signalType = "offer"
	sigAnswer    signalType = "answer"
	sigCandidate signalType = "candidate"
)

// signalMessage is the JSON structure exchanged during SDP/ICE signaling.
type signalMessage struct {
	Type      signalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
