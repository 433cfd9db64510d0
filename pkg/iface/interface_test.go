package iface

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDerivesStableID(t *testing.T) {
	a, err := New("radio0", 250000, []uint8{0, 1})
	require.NoError(t, err)
	b, err := New("radio0", 250000, []uint8{0, 1})
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	c, err := New("radio1", 250000, []uint8{0, 1})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}

func TestNewRejectsEmptySchemas(t *testing.T) {
	_, err := New("radio0", 250000, nil)
	require.Error(t, err)
}

func TestValidateRequiresSendAndReceive(t *testing.T) {
	i, err := New("radio0", 250000, []uint8{0})
	require.NoError(t, err)
	require.False(t, i.Validate())

	i.Send = func(ctx context.Context, dg Datagram) error { return nil }
	i.Receive = func(ctx context.Context) (Datagram, bool, error) { return Datagram{}, false, nil }
	require.True(t, i.Validate())
}

func TestProcessDrainsReceiveIntoInbox(t *testing.T) {
	i, err := New("radio0", 250000, []uint8{0})
	require.NoError(t, err)
	pending := []Datagram{{Data: []byte("a")}, {Data: []byte("b")}}
	i.Receive = func(ctx context.Context) (Datagram, bool, error) {
		if len(pending) == 0 {
			return Datagram{}, false, nil
		}
		dg := pending[0]
		pending = pending[1:]
		return dg, true, nil
	}
	require.NoError(t, i.Process(context.Background()))

	first, ok := i.PopInbound()
	require.True(t, ok)
	require.Equal(t, []byte("a"), first.Data)
	second, ok := i.PopInbound()
	require.True(t, ok)
	require.Equal(t, []byte("b"), second.Data)
	_, ok = i.PopInbound()
	require.False(t, ok)
}

func TestProcessSendsOneQueuedDatagramPerCycle(t *testing.T) {
	i, err := New("radio0", 250000, []uint8{0})
	require.NoError(t, err)
	var sent []Datagram
	i.Send = func(ctx context.Context, dg Datagram) error {
		sent = append(sent, dg)
		return nil
	}
	i.Enqueue(Datagram{Data: []byte("x")})
	i.Enqueue(Datagram{Data: []byte("y")})

	require.NoError(t, i.Process(context.Background()))
	require.Len(t, sent, 1)
	require.Equal(t, []byte("x"), sent[0].Data)

	require.NoError(t, i.Process(context.Background()))
	require.Len(t, sent, 2)
	require.Equal(t, []byte("y"), sent[1].Data)
}

func TestDequeDropsOldestOnOverflow(t *testing.T) {
	d := newDeque(2)
	d.push(Datagram{Data: []byte("1")})
	d.push(Datagram{Data: []byte("2")})
	d.push(Datagram{Data: []byte("3")})
	require.Equal(t, 2, d.len())
	first, _ := d.popLeft()
	require.Equal(t, []byte("2"), first.Data)
}
