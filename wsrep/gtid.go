// Package wsrep holds the data model shared between the replication provider
// and the server service: identities, positions, views and node states.
package wsrep

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a cluster (state identity) or a node.
type ID struct {
	uuid.UUID
}

// UndefinedID is the zero identity.
var UndefinedID = ID{}

// NewID generates a random identity.
func NewID() ID {
	return ID{UUID: uuid.New()}
}

// ParseID parses the canonical UUID form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UndefinedID, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID{UUID: u}, nil
}

// MustParseID is ParseID for constants and tests.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsUndefined reports whether id is the zero identity.
func (id ID) IsUndefined() bool {
	return id.UUID == uuid.Nil
}

// Seqno is a position in the cluster-wide total order.
type Seqno int64

// SeqnoUndefined marks an unknown position.
const SeqnoUndefined Seqno = -1

// GTID is a replication position: all transactions of cluster ID up to and
// including Seqno are applied.
type GTID struct {
	ID    ID    `msgpack:"id" json:"id"`
	Seqno Seqno `msgpack:"seqno" json:"seqno"`
}

// UndefinedGTID is the reset marker.
var UndefinedGTID = GTID{ID: UndefinedID, Seqno: SeqnoUndefined}

// IsUndefined reports whether g carries no meaningful position.
func (g GTID) IsUndefined() bool {
	return g.ID.IsUndefined() && g.Seqno == SeqnoUndefined
}

// Prev returns the position immediately preceding g in the same cluster.
func (g GTID) Prev() GTID {
	return GTID{ID: g.ID, Seqno: g.Seqno - 1}
}

func (g GTID) String() string {
	return g.ID.String() + ":" + strconv.FormatInt(int64(g.Seqno), 10)
}

// ParseGTID parses "uuid:seqno".
func ParseGTID(s string) (GTID, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return UndefinedGTID, fmt.Errorf("invalid gtid %q: missing seqno", s)
	}
	id, err := ParseID(s[:idx])
	if err != nil {
		return UndefinedGTID, err
	}
	seqno, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return UndefinedGTID, fmt.Errorf("invalid gtid %q: %w", s, err)
	}
	return GTID{ID: id, Seqno: Seqno(seqno)}, nil
}
