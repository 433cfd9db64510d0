package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	broadcasts [][]byte
	sends      []sendCall
}

type sendCall struct {
	blob   []byte
	peerID []byte
}

func (f *fakeTransport) Broadcast(appID [16]byte, blob []byte) bool {
	f.broadcasts = append(f.broadcasts, blob)
	return true
}

func (f *fakeTransport) Send(appID [16]byte, blob []byte, peerID []byte) bool {
	f.sends = append(f.sends, sendCall{blob, peerID})
	return true
}

var appID = [16]byte{0x84, 0x99}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	gm := Message{Op: OpPublish, TopicID: [16]byte{1, 2, 3}, Data: []byte("hello")}
	decoded := Deserialize(Serialize(gm))
	require.Equal(t, gm, decoded)
}

func TestPublishBroadcastsSmallMessage(t *testing.T) {
	tr := &fakeTransport{}
	var delivered [][]byte
	o := New(appID, []byte("node"), tr, func(app [16]byte, data []byte) { delivered = append(delivered, data) })
	topic := [16]byte{9}
	o.Subscribe(topic, [16]byte{1})

	o.Publish(topic, []byte("small payload"))

	require.Len(t, tr.broadcasts, 1)
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("small payload"), delivered[0])
}

func TestPublishOversizedMessageNotifiesInsteadOfBroadcasting(t *testing.T) {
	tr := &fakeTransport{}
	o := New(appID, []byte("node"), tr, nil)
	topic := [16]byte{9}

	big := make([]byte, simpleBroadcastBudget+1)
	o.Publish(topic, big)

	require.Len(t, tr.broadcasts, 1)
	notify := Deserialize(tr.broadcasts[0])
	require.Equal(t, OpNotify, notify.Op)
}

func TestDuplicateMessageIsDroppedBySeenCheck(t *testing.T) {
	tr := &fakeTransport{}
	o := New(appID, []byte("node"), tr, nil)
	topic := [16]byte{1}
	gm := Message{Op: OpPublish, TopicID: topic, Data: []byte("x")}

	o.deliverGossip(gm)
	o.deliverGossip(gm)
	require.Len(t, tr.broadcasts, 1)
}

func TestReceiveNotifyTriggersRequestWhenUncached(t *testing.T) {
	tr := &fakeTransport{}
	o := New(appID, []byte("node"), tr, nil)
	gmID := [16]byte{7}
	notify := Message{Op: OpNotify, TopicID: [16]byte{1}, Data: gmID[:]}

	o.Receive(Serialize(notify), []byte("peer-a"))

	require.Len(t, tr.sends, 1)
	req := Deserialize(tr.sends[0].blob)
	require.Equal(t, OpRequest, req.Op)
}

func TestReceiveRequestRespondsFromCache(t *testing.T) {
	tr := &fakeTransport{}
	o := New(appID, []byte("node"), tr, nil)
	topic := [16]byte{3}
	o.Publish(topic, []byte("cached payload"))
	tr.broadcasts = nil

	var id [16]byte
	copy(id[:], messageID(Message{Op: OpPublish, TopicID: topic, Data: []byte("cached payload")})[:])
	req := Message{Op: OpRequest, TopicID: id, Data: []byte("requester")}

	o.Receive(Serialize(req), []byte("requester"))
	require.Len(t, tr.sends, 1)
	resp := Deserialize(tr.sends[0].blob)
	require.Equal(t, OpRespond, resp.Op)
	require.Equal(t, []byte("cached payload"), resp.Data)
}

func TestReceiveRequestIDsRespondsWithCachedIDs(t *testing.T) {
	tr := &fakeTransport{}
	o := New(appID, []byte("node"), tr, nil)
	topic := [16]byte{4}
	o.Publish(topic, []byte("a"))

	reqIDs := Message{Op: OpRequestIDs, TopicID: topic, Data: []byte("asker")}
	o.Receive(Serialize(reqIDs), []byte("asker"))

	var respIDsCall []byte
	for _, c := range tr.sends {
		gm := Deserialize(c.blob)
		if gm.Op == OpRespondIDs {
			respIDsCall = gm.Data
		}
	}
	require.Len(t, respIDsCall, 16)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	tr := &fakeTransport{}
	var delivered int
	o := New(appID, []byte("node"), tr, func(app [16]byte, data []byte) { delivered++ })
	topic := [16]byte{2}
	o.Subscribe(topic, [16]byte{1})
	o.Unsubscribe(topic, [16]byte{1})

	o.Publish(topic, []byte("x"))
	require.Equal(t, 0, delivered)
}
