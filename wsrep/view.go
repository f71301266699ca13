package wsrep

import (
	"fmt"
	"strings"
)

// ViewStatus is the component status reported with a view.
type ViewStatus int

const (
	ViewPrimary ViewStatus = iota
	ViewNonPrimary
	ViewDisconnected
)

func (s ViewStatus) String() string {
	switch s {
	case ViewPrimary:
		return "primary"
	case ViewNonPrimary:
		return "non-primary"
	case ViewDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Member is one node of a view.
type Member struct {
	ID       ID     `msgpack:"id" json:"id"`
	Name     string `msgpack:"name" json:"name"`
	Incoming string `msgpack:"incoming" json:"incoming"`
}

// View is a membership snapshot delivered by the provider. It is consumed
// once and then superseded by the next one; callers must not mutate it.
type View struct {
	StateID         GTID       `msgpack:"state_id" json:"state_id"`
	ViewSeqno       Seqno      `msgpack:"view_seqno" json:"view_seqno"`
	Status          ViewStatus `msgpack:"status" json:"status"`
	Capabilities    int        `msgpack:"capabilities" json:"capabilities"`
	OwnIndex        int        `msgpack:"own_index" json:"own_index"`
	ProtocolVersion int        `msgpack:"protocol_version" json:"protocol_version"`
	Members         []Member   `msgpack:"members" json:"members"`
}

// Own returns the local member, if the node belongs to the view.
func (v *View) Own() (Member, bool) {
	if v.OwnIndex < 0 || v.OwnIndex >= len(v.Members) {
		return Member{}, false
	}
	return v.Members[v.OwnIndex], true
}

// MemberIndex returns the position of id in the member list, or -1.
func (v *View) MemberIndex(id ID) int {
	for i, m := range v.Members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Final reports whether this is the last view before leaving the cluster.
func (v *View) Final() bool {
	return len(v.Members) == 0 && v.Status == ViewDisconnected
}

func (v *View) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\nstatus: %s\nprotocol_version: %d\ncapabilities: %d\nfinal: %t\nown_index: %d\nmembers(%d):",
		v.StateID, v.Status, v.ProtocolVersion, v.Capabilities, v.Final(), v.OwnIndex, len(v.Members))
	for i, m := range v.Members {
		fmt.Fprintf(&b, "\n\t%d: %s, %s", i, m.ID, m.Name)
	}
	return b.String()
}
