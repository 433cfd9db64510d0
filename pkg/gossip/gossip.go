// Package gossip implements the pull-based anti-entropy broadcast
// overlay: publish/notify/request/respond message exchange with a
// bounded, TTL-expiring message cache, grounded on the Gossip
// application in original_source/.../micropycelium.py.
package gossip

import (
	"crypto/sha256"
	"time"

	"github.com/k98kurz/micropycelium/pkg/meshcache"
)

// Op enumerates gossip message operations. Values match the reference
// implementation's wire encoding, not ordinal position.
type Op uint8

const (
	OpRequest    Op = 0
	OpRequestIDs Op = 1
	OpNotify     Op = 15
	OpPublish    Op = 240
	OpRespond    Op = 254
	OpRespondIDs Op = 255
)

// simpleBroadcastBudget is the largest data payload that still fits a
// single LoRa packet after gossip's op+topic_id header and the
// Package envelope overhead (235 - 17 - 32); anything larger must be
// announced via Notify and pulled with Request rather than broadcast
// directly.
const simpleBroadcastBudget = 235 - 17 - 32

const messageCacheLimit = 100
const messageCacheTTL = 300 * time.Second

// Message is one gossip protocol message: an operation, a 16-byte
// topic id, and an operation-specific data payload.
type Message struct {
	Op      Op
	TopicID [16]byte
	Data    []byte
}

// Serialize encodes a Message as op(1) || topic_id(16) || data.
func Serialize(gm Message) []byte {
	out := make([]byte, 0, 17+len(gm.Data))
	out = append(out, byte(gm.Op))
	out = append(out, gm.TopicID[:]...)
	out = append(out, gm.Data...)
	return out
}

// Deserialize decodes a Message produced by Serialize.
func Deserialize(blob []byte) Message {
	gm := Message{Op: Op(blob[0])}
	copy(gm.TopicID[:], blob[1:17])
	gm.Data = append([]byte(nil), blob[17:]...)
	return gm
}

func messageID(gm Message) [16]byte {
	sum := sha256.Sum256(Serialize(gm))
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

// Sender abstracts the transport operations Gossip needs from the
// Packager without importing it, keeping the dependency direction
// (packager does not know about gossip) intact.
type Sender interface {
	Broadcast(appID [16]byte, blob []byte) bool
	Send(appID [16]byte, blob []byte, peerID []byte) bool
}

// Deliverer receives a gossip payload for a subscribed application.
type Deliverer func(appID [16]byte, data []byte)

// Overlay is one node's gossip state: topic subscriptions, the
// message cache, and the transport it rides on.
type Overlay struct {
	AppID [16]byte
	NodeID []byte

	transport     Sender
	deliver       Deliverer
	subscriptions map[[16]byte][][16]byte
	seen          []([16]byte)
	cache         *meshcache.Cache
}

// New constructs an Overlay bound to transport, delivering matched
// payloads to subscribed applications via deliver.
func New(appID [16]byte, nodeID []byte, transport Sender, deliver Deliverer) *Overlay {
	return &Overlay{
		AppID:         appID,
		NodeID:        nodeID,
		transport:     transport,
		deliver:       deliver,
		subscriptions: make(map[[16]byte][][16]byte),
		cache:         meshcache.New(messageCacheLimit),
	}
}

// Subscribe registers appID to receive gossip published on topicID.
func (o *Overlay) Subscribe(topicID [16]byte, appID [16]byte) {
	subs := o.subscriptions[topicID]
	for _, id := range subs {
		if id == appID {
			return
		}
	}
	o.subscriptions[topicID] = append(subs, appID)
}

// Unsubscribe removes appID from topicID's subscriber list.
func (o *Overlay) Unsubscribe(topicID [16]byte, appID [16]byte) {
	subs := o.subscriptions[topicID]
	for i, id := range subs {
		if id == appID {
			o.subscriptions[topicID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(o.subscriptions[topicID]) == 0 {
		delete(o.subscriptions, topicID)
	}
}

// Publish originates a new gossip message on topicID and delivers it
// locally before propagating.
func (o *Overlay) Publish(topicID [16]byte, data []byte) {
	o.deliverGossip(Message{Op: OpPublish, TopicID: topicID, Data: data})
}

func (o *Overlay) hasSeen(id [16]byte) bool {
	for _, s := range o.seen {
		if s == id {
			return true
		}
	}
	return false
}

func (o *Overlay) markSeen(id [16]byte) {
	o.seen = append(o.seen, id)
	if len(o.seen) > messageCacheLimit {
		o.seen = o.seen[len(o.seen)-messageCacheLimit:]
	}
}

// deliverGossip dedups by message id, caches PUBLISH/RESPOND messages,
// fans out to subscribed applications, then propagates: a
// small-enough PUBLISH is broadcast directly, a small-enough RESPOND
// is not propagated at all, and any oversized message is announced via
// Notify so peers pull it with Request instead.
func (o *Overlay) deliverGossip(gm Message) {
	id := messageID(gm)
	if o.hasSeen(id) {
		return
	}

	if gm.Op == OpPublish || gm.Op == OpRespond {
		o.markSeen(id)
		o.cache.Add(string(id[:]), gm, messageCacheTTL)
	}

	for _, appID := range o.subscriptions[gm.TopicID] {
		if o.deliver != nil {
			o.deliver(appID, gm.Data)
		}
	}

	if gm.Op == OpRespond && len(gm.Data) <= simpleBroadcastBudget {
		return
	}

	if len(gm.Data) > simpleBroadcastBudget {
		o.notify(gm.TopicID, id)
	} else {
		o.transport.Broadcast(o.AppID, Serialize(gm))
	}
}

func (o *Overlay) notify(topicID [16]byte, gmID [16]byte) {
	gm := Message{Op: OpNotify, TopicID: topicID, Data: gmID[:]}
	o.transport.Broadcast(o.AppID, Serialize(gm))
}

// RequestMessage asks peerID for the full message identified by messageID.
func (o *Overlay) RequestMessage(messageID [16]byte, peerID []byte) {
	gm := Message{Op: OpRequest, TopicID: messageID, Data: o.NodeID}
	o.transport.Send(o.AppID, Serialize(gm), peerID)
}

// RequestIDs asks peerID which message ids it holds for topicID, the
// pull-sync anti-entropy probe.
func (o *Overlay) RequestIDs(topicID [16]byte, peerID []byte) {
	gm := Message{Op: OpRequestIDs, TopicID: topicID, Data: o.NodeID}
	o.transport.Send(o.AppID, Serialize(gm), peerID)
}

// RespondIDs answers a RequestIDs probe with every cached message id
// under topicID.
func (o *Overlay) RespondIDs(peerID []byte, topicID [16]byte) {
	var ids []byte
	o.cache.Range(func(key string, value interface{}) {
		gm, ok := value.(Message)
		if !ok || gm.TopicID != topicID {
			return
		}
		ids = append(ids, []byte(key)...)
	})
	gm := Message{Op: OpRespondIDs, TopicID: topicID, Data: ids}
	o.transport.Send(o.AppID, Serialize(gm), peerID)
}

// respondRequest answers a Request for gmID from the cache, if held.
// A message recovered from a notify-then-request cycle is re-sent
// unmodified; one small enough to have been pulled from an ids sync is
// re-tagged RESPOND so it is not forwarded again by the receiver.
func (o *Overlay) respondRequest(peerID []byte, gmID [16]byte) {
	cached, ok := o.cache.Get(string(gmID[:]))
	if !ok {
		return
	}
	gm := cached.(Message)
	if len(gm.Data) > simpleBroadcastBudget {
		o.transport.Send(o.AppID, Serialize(gm), peerID)
		return
	}
	resp := Message{Op: OpRespond, TopicID: gm.TopicID, Data: gm.Data}
	o.transport.Send(o.AppID, Serialize(resp), peerID)
}

// Receive handles an inbound gossip protocol message, dispatching by
// op. peerID is the sender's node id if known (resolved by the caller
// from the interface/mac the datagram arrived on), used to answer
// REQUEST/REQUEST_IDS and to pull a NOTIFYed message.
func (o *Overlay) Receive(blob []byte, peerID []byte) {
	gm := Deserialize(blob)
	switch gm.Op {
	case OpRequest:
		target := peerID
		if target == nil {
			target = gm.Data
		}
		var id [16]byte
		copy(id[:], gm.TopicID[:])
		o.respondRequest(target, id)
	case OpRequestIDs:
		target := peerID
		if target == nil {
			target = gm.Data
		}
		o.RespondIDs(target, gm.TopicID)
	case OpNotify:
		var id [16]byte
		copy(id[:], gm.Data)
		if _, ok := o.cache.Get(string(id[:])); !ok && peerID != nil {
			o.RequestMessage(id, peerID)
		}
	case OpPublish, OpRespond:
		o.deliverGossip(gm)
	case OpRespondIDs:
		if len(gm.Data)%16 != 0 || peerID == nil {
			return
		}
		for i := 0; i+16 <= len(gm.Data); i += 16 {
			var id [16]byte
			copy(id[:], gm.Data[i:i+16])
			if !o.hasSeen(id) {
				o.RequestMessage(id, peerID)
			}
		}
	}
}
