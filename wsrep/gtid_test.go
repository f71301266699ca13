package wsrep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/wsrepd/encoding"
)

func TestGTID_StringRoundTrip(t *testing.T) {
	g := GTID{ID: MustParseID("1e0f7b1a-9d3c-4c8e-a4f2-6a1e2b3c4d5e"), Seqno: 42}
	parsed, err := ParseGTID(g.String())
	require.NoError(t, err)
	require.Equal(t, g, parsed)
}

func TestParseGTID_Errors(t *testing.T) {
	for _, s := range []string{"", "nocolon", "bad-uuid:5", "1e0f7b1a-9d3c-4c8e-a4f2-6a1e2b3c4d5e:x"} {
		_, err := ParseGTID(s)
		require.Error(t, err, s)
	}
}

func TestGTID_Undefined(t *testing.T) {
	require.True(t, UndefinedGTID.IsUndefined())
	require.Equal(t, SeqnoUndefined, UndefinedGTID.Seqno)

	g := GTID{ID: NewID(), Seqno: SeqnoUndefined}
	require.False(t, g.IsUndefined())
}

func TestGTID_Prev(t *testing.T) {
	id := NewID()
	require.Equal(t, GTID{ID: id, Seqno: 9}, GTID{ID: id, Seqno: 10}.Prev())
}

func TestGTID_EncodingPreservesID(t *testing.T) {
	g := GTID{ID: NewID(), Seqno: 7}
	data, err := encoding.Marshal(g)
	require.NoError(t, err)

	var out GTID
	require.NoError(t, encoding.Unmarshal(data, &out))
	require.Equal(t, g, out)
}

func TestView_OwnAndMemberIndex(t *testing.T) {
	a, b := NewID(), NewID()
	v := View{OwnIndex: 1, Members: []Member{{ID: a, Name: "a"}, {ID: b, Name: "b"}}}

	own, ok := v.Own()
	require.True(t, ok)
	require.Equal(t, b, own.ID)
	require.Equal(t, 0, v.MemberIndex(a))
	require.Equal(t, -1, v.MemberIndex(NewID()))

	v.OwnIndex = -1
	_, ok = v.Own()
	require.False(t, ok)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "synced", StateSynced.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "unknown(42)", State(42).String())
}
