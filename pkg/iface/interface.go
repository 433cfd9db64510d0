// Package iface implements the driver-agnostic radio interface
// abstraction: three bounded queues plus injected send/receive/
// broadcast/wake callbacks, grounded on the Interface and Datagram
// classes in original_source/.../micropycelium.py.
package iface

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/k98kurz/micropycelium/internal/metrics"
	"github.com/k98kurz/micropycelium/internal/obslog"
)

const queueCapacity = 256

// Datagram is an undecoded frame plus its origin/destination metadata:
// the raw bytes this Interface sent or received, which Interface
// carried it, and the driver-level peer address if known.
type Datagram struct {
	Data      []byte
	IfaceID   [4]byte
	Addr      []byte
}

// ReceiveFunc polls the driver for the next inbound datagram, or
// returns ok=false when none is pending.
type ReceiveFunc func(ctx context.Context) (Datagram, bool, error)

// SendFunc transmits one outbound datagram to its addressed peer.
type SendFunc func(ctx context.Context, dg Datagram) error

// BroadcastFunc transmits one outbound datagram to every reachable peer.
type BroadcastFunc func(ctx context.Context, dg Datagram) error

// WakeFunc is invoked to bring the underlying radio out of modem sleep.
type WakeFunc func(ctx context.Context) error

// Hooks lets callers observe Interface lifecycle events without
// subclassing, matching the reference implementation's add_hook/
// call_hook pattern.
type Hooks struct {
	OnReceive   func(Datagram)
	OnSend      func(Datagram)
	OnBroadcast func(Datagram)
	OnWake      func()
}

// Interface is one radio transport: a name, bitrate, supported schema
// ids, and the driver callbacks that move datagrams on and off the
// wire. ID is a stable 4-byte fingerprint derived from name, bitrate,
// and supported schema ids, used to address this Interface from
// routing tables.
type Interface struct {
	Name              string
	Bitrate           uint32
	SupportedSchemas  []uint8
	ID                [4]byte
	Receive           ReceiveFunc
	Send              SendFunc
	Broadcast         BroadcastFunc
	Wake              WakeFunc
	Hooks             Hooks

	inbox, outbox, castbox *deque
	log                    interface {
		Debugw(string, ...interface{})
		Warnw(string, ...interface{})
	}
}

// New constructs an Interface. supportedSchemas must be non-empty; its
// first element becomes the default schema used when none is specified.
func New(name string, bitrate uint32, supportedSchemas []uint8) (*Interface, error) {
	if len(supportedSchemas) == 0 {
		return nil, errors.New("iface: supported_schemas must be non-empty")
	}
	return &Interface{
		Name:             name,
		Bitrate:          bitrate,
		SupportedSchemas: supportedSchemas,
		ID:               deriveID(name, bitrate, supportedSchemas),
		inbox:            newDeque(queueCapacity),
		outbox:           newDeque(queueCapacity),
		castbox:          newDeque(queueCapacity),
		log:              obslog.Named("iface").With("interface", name),
	}, nil
}

func deriveID(name string, bitrate uint32, schemas []uint8) [4]byte {
	h := sha256.New()
	h.Write([]byte(name))
	var rateBuf [4]byte
	binary.BigEndian.PutUint32(rateBuf[:], bitrate)
	h.Write(rateBuf[:])
	h.Write(schemas)
	sum := h.Sum(nil)
	var id [4]byte
	copy(id[:], sum[:4])
	return id
}

// Validate reports whether the Interface has everything required to
// operate: at least one schema and both a send and receive callback.
func (i *Interface) Validate() bool {
	if len(i.SupportedSchemas) == 0 {
		return false
	}
	if i.Send == nil || i.Receive == nil {
		return false
	}
	return true
}

// Enqueue puts a datagram into the outbound unicast queue.
func (i *Interface) Enqueue(dg Datagram) {
	if i.Hooks.OnSend != nil {
		i.Hooks.OnSend(dg)
	}
	i.outbox.push(dg)
	metrics.InterfaceQueueDepth.WithLabelValues(i.Name, "outbox").Set(float64(i.outbox.len()))
}

// EnqueueBroadcast puts a datagram into the outbound broadcast queue.
func (i *Interface) EnqueueBroadcast(dg Datagram) {
	if i.Hooks.OnBroadcast != nil {
		i.Hooks.OnBroadcast(dg)
	}
	i.castbox.push(dg)
	metrics.InterfaceQueueDepth.WithLabelValues(i.Name, "castbox").Set(float64(i.castbox.len()))
}

// PopInbound pops the next received datagram, if any.
func (i *Interface) PopInbound() (Datagram, bool) {
	return i.inbox.popLeft()
}

// WakeUp invokes the driver's wake callback, if configured.
func (i *Interface) WakeUp(ctx context.Context) error {
	if i.Hooks.OnWake != nil {
		i.Hooks.OnWake()
	}
	if i.Wake == nil {
		return nil
	}
	return i.Wake(ctx)
}

// Process drains one cycle of driver I/O: poll Receive until it has
// nothing more to offer, then send at most one queued unicast and one
// queued broadcast datagram. This mirrors the cooperative,
// single-threaded scheduling of the reference Packager's work loop —
// Process never blocks beyond what the driver callbacks themselves do.
func (i *Interface) Process(ctx context.Context) error {
	if i.Receive != nil {
		for {
			dg, ok, err := i.Receive(ctx)
			if err != nil {
				return errors.Wrap(err, "iface: receive")
			}
			if !ok {
				break
			}
			if i.Hooks.OnReceive != nil {
				i.Hooks.OnReceive(dg)
			}
			i.inbox.push(dg)
		}
	}

	if i.outbox.len() > 0 && i.Send != nil {
		dg, _ := i.outbox.popLeft()
		if err := i.Send(ctx, dg); err != nil {
			i.log.Warnw("send failed", "error", err)
			return errors.Wrap(err, "iface: send")
		}
	}

	if i.castbox.len() > 0 && i.Broadcast != nil {
		dg, _ := i.castbox.popLeft()
		if err := i.Broadcast(ctx, dg); err != nil {
			i.log.Warnw("broadcast failed", "error", err)
			return errors.Wrap(err, "iface: broadcast")
		}
	}
	return nil
}
