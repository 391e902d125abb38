// Package configuration describes the fixed membership of a chat
// cluster and the ports file each process reads to find its peers, in
// the spirit of goshawkdb.io/server/configuration's Topology: a small,
// immutable value loaded once at startup rather than a live, mutable
// registry.
package configuration

import "fmt"

// Topology is the cluster's static membership: which server ids exist
// and which one is, for now, the fixed primary (dynamic election and
// reconfiguration are out of scope; PrimaryId is a hook for either).
type Topology struct {
	ServerIds []uint32
	PrimaryId uint32
}

// NewTopology builds a Topology naming every participating server id,
// designating the lowest id the static primary.
func NewTopology(serverIds []uint32) *Topology {
	t := &Topology{ServerIds: append([]uint32(nil), serverIds...)}
	t.PrimaryId = t.ServerIds[0]
	for _, id := range t.ServerIds[1:] {
		if id < t.PrimaryId {
			t.PrimaryId = id
		}
	}
	return t
}

// Majority is the number of Phase 1b/2b replies a quorum requires.
func (t *Topology) Majority() int { return len(t.ServerIds)/2 + 1 }

func (t *Topology) Contains(id uint32) bool {
	for _, s := range t.ServerIds {
		if s == id {
			return true
		}
	}
	return false
}

func (t *Topology) String() string {
	return fmt.Sprintf("Topology{servers=%v primary=%d}", t.ServerIds, t.PrimaryId)
}
