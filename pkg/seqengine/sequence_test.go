package seqengine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k98kurz/micropycelium/pkg/wire"
)

func schema3(t *testing.T) wire.Schema {
	t.Helper()
	s, ok := wire.GetSchema(3)
	require.True(t, ok)
	return s
}

func TestSetDataAndMissingInitiallyEmpty(t *testing.T) {
	s, err := New(schema3(t), 7, 0, 0)
	require.NoError(t, err)
	blob := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(blob)
	require.NoError(t, s.SetData(blob))
	require.Empty(t, s.GetMissing())
}

func TestGetPacketUnknownFragmentReturnsFalse(t *testing.T) {
	s, err := New(schema3(t), 1, 0, 5)
	require.NoError(t, err)
	base := wire.NewPacket(s.Schema)
	_, ok := s.GetPacket(0, wire.Flags{}, base)
	require.False(t, ok)
}

func TestFragmentAndReassembleRoundTrip(t *testing.T) {
	schema := schema3(t)
	tx, err := New(schema, 42, 0, 0)
	require.NoError(t, err)
	blob := make([]byte, tx.MaxBody*3+17)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	require.NoError(t, tx.SetData(blob))

	rx, err := New(schema, 42, 0, tx.SeqSize)
	require.NoError(t, err)

	base := wire.NewPacket(schema)
	order := []int{2, 0, 3, 1}
	for _, idx := range order {
		pkt, ok := tx.GetPacket(idx, wire.Flags{}, base)
		require.True(t, ok)
		done := rx.AddPacket(idx, pkt.Body)
		if idx == order[len(order)-1] {
			require.True(t, done)
		}
	}
	require.Empty(t, rx.GetMissing())
	require.Equal(t, blob, rx.Data)
}

func TestAskFlaggedOnFirstMiddleLast(t *testing.T) {
	schema := schema3(t)
	tx, err := New(schema, 1, 0, 0)
	require.NoError(t, err)
	blob := make([]byte, tx.MaxBody*4)
	require.NoError(t, tx.SetData(blob))
	base := wire.NewPacket(schema)

	for _, idx := range []int{0, tx.SeqSize - 1, tx.SeqSize / 2} {
		pkt, ok := tx.GetPacket(idx, wire.Flags{}, base)
		require.True(t, ok)
		require.True(t, pkt.Flags.IsAsk(), "fragment %d should be ask-flagged", idx)
	}
}

func TestSetDataRejectsOversizedBlob(t *testing.T) {
	s, err := New(schema3(t), 1, 0, 0)
	require.NoError(t, err)
	maxSeq := maxSeqSize(s.Schema)
	oversized := make([]byte, maxSeq*s.MaxBody+1)
	require.Error(t, s.SetData(oversized))
}

func TestNewRejectsUnsequenceableSchema(t *testing.T) {
	s, ok := wire.GetSchema(0)
	require.True(t, ok)
	_, err := New(s, 1, 10, 0)
	require.Error(t, err)
}
