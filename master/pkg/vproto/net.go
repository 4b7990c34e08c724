package vproto

import "time"

const (
	// ProtocolVersion is bumped whenever a message changes incompatibly. Workers speaking another
	// version are rejected at handshake.
	ProtocolVersion = 3
	// HandshakeTimeout is how long a new connection may take to send its handshake.
	HandshakeTimeout = 30 * time.Second
	// FilesPath is the manager route serving file contents and accepting output uploads.
	FilesPath = "/files/"
	// ConnectPath is the manager route workers open their control channel on.
	ConnectPath = "/workers/connect"
)

// FileURL is the manager-relative path at which a worker fetches or uploads name.
func FileURL(name string) string {
	return FilesPath + name
}
