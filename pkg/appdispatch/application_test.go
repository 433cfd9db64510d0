package appdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppIDStableAndDistinguishing(t *testing.T) {
	a := New("gossip", "pull-based anti-entropy overlay", 1, nil)
	b := New("gossip", "pull-based anti-entropy overlay", 1, nil)
	require.Equal(t, a.ID, b.ID)

	c := New("gossip", "pull-based anti-entropy overlay", 2, nil)
	require.NotEqual(t, a.ID, c.ID)
}

func TestDeliverInvokesReceiveAndHook(t *testing.T) {
	var hookCalled, receiveCalled bool
	app := New("echo", "", 0, func(app *Application, blob []byte, ifaceID [4]byte, addr []byte) {
		receiveCalled = true
		require.Equal(t, []byte("hi"), blob)
	})
	app.AddHook("receive", func(args ...interface{}) { hookCalled = true })

	app.Deliver([]byte("hi"), [4]byte{1}, nil)
	require.True(t, hookCalled)
	require.True(t, receiveCalled)
}

func TestInvokeMissingCallbackReturnsNil(t *testing.T) {
	app := New("noop", "", 0, nil)
	require.Nil(t, app.Invoke("nonexistent"))
}

func TestInvokeRegisteredCallback(t *testing.T) {
	app := New("calc", "", 0, nil)
	app.Callbacks["double"] = func(args ...interface{}) interface{} {
		return args[0].(int) * 2
	}
	require.Equal(t, 8, app.Invoke("double", 4))
}

func TestPackageVerify(t *testing.T) {
	pkg := FromBlob([16]byte{1, 2, 3}, []byte("payload"))
	require.True(t, pkg.Verify())

	pkg.Blob = []byte("tampered")
	require.False(t, pkg.Verify())
}

func TestPackagePackUnpackRoundTrip(t *testing.T) {
	pkg := FromBlob([16]byte{9}, []byte("hello, mesh"))
	raw := pkg.Pack()
	decoded, err := Unpack(raw)
	require.NoError(t, err)
	require.Equal(t, pkg, decoded)
	require.True(t, decoded.Verify())
}

func TestUnpackRejectsTooShort(t *testing.T) {
	_, err := Unpack(make([]byte, 10))
	require.Error(t, err)
}

func TestPingMessageRoundTrip(t *testing.T) {
	pm := PingMessage{
		Op: PingRequest, Nonce: 7, Metric: 0,
		TS1: 100, TS2: 200, TS3: 300, TreeState: 5,
	}
	pm.Address[0] = 0xAA
	pm.NodeID[0] = 0xBB

	encoded := SerializePM(pm)
	decoded, err := DeserializePM(encoded)
	require.NoError(t, err)
	require.Equal(t, pm, decoded)
}

func TestDeserializePMRejectsWrongLength(t *testing.T) {
	_, err := DeserializePM([]byte{1, 2, 3})
	require.Error(t, err)
}
