// Package server holds the constants and small utilities
// shared by every package in this module, the way goshawkdb.io/server's
// root package does for the rest of that tree.
package server

import "time"

const (
	ServerVersion = "dev"

	// InternalFieldDelim and MessageDelim implement the wire framing:
	// TYPE<IF>field_1<IF>field_2...<MD>. A single recv buffer may hold
	// several framed messages; split on MessageDelim first, then
	// InternalFieldDelim.
	InternalFieldDelim = "\x1f"
	MessageDelim       = "\x1e"

	// Heartbeat is a bounded select timeout that lets a replica
	// re-evaluate barrier and primary-change conditions on a regular
	// cadence even with no incoming traffic. It is not a correctness
	// device.
	Heartbeat = 250 * time.Millisecond

	// ConnectionRestartDelayMin/Max bound the backoff a role uses when
	// redialing a peer after a transport loss.
	ConnectionRestartDelayMin = 100 * time.Millisecond
	ConnectionRestartDelayMax = 3 * time.Second

	// StaticPrimaryId is the deferred-election default: the primary is,
	// for now, always the server with this id.
	StaticPrimaryId = 0

	HttpProfilePort = 6060
)

// ChatLogSeparator terminates a PRINTCHATLOG dump.
const ChatLogSeparator = "-------------"
