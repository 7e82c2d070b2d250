// Package config holds the transport configuration surface.
package config

import "time"

// Role represents which side of the session this process plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config stores all parameters the transport and the CLI need. Zero values
// are not usable; start from Default() and override fields.
type Config struct {
	AppID  string // broadcast application scope
	RoomID string // broadcast room within the app scope
	IsHost bool   // true forces server role regardless of the entry point called

	ServerURL string // ws(s):// URL of the room relay or signaling endpoint

	PeerID         string // local peer identity; minted when empty
	HostPeerID     string // expected host identity (client); learned from traffic when empty
	ConnectPayload []byte // opaque payload attached to the connection request

	ConnectTimeout     time.Duration // per-attempt room join timeout
	MaxConnectAttempts int           // join attempts before giving up
	MaxConnections     int           // host-side admission cap
	ConnectionTimeout  time.Duration // inactivity window before a peer is evicted
	MaxPayloadBytes    int           // connection-request payload cap
	MaxMessageBytes    int           // data frame payload cap (medium MTU bound)
	SettleDelay        time.Duration // client-side delay before synthesizing Connect
}

// Default returns the configuration defaults. AppID, RoomID, and ServerURL
// have no sensible defaults and must be supplied by the caller.
func Default() Config {
	return Config{
		ConnectTimeout:     10 * time.Second,
		MaxConnectAttempts: 3,
		MaxConnections:     64,
		ConnectionTimeout:  30 * time.Second,
		MaxPayloadBytes:    1024,
		MaxMessageBytes:    1200,
		SettleDelay:        500 * time.Millisecond,
	}
}
