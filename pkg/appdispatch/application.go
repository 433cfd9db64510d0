// Package appdispatch implements the application registration and
// delivery layer above the Packager: named Application handlers keyed
// by a stable id, and the Package envelope used to route a verified
// blob to one, grounded on the Application and Package classes in
// original_source/.../micropycelium.py.
package appdispatch

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ReceiveFunc handles a blob delivered to an Application, identified
// by the 4-byte interface id and raw sender address it arrived on.
type ReceiveFunc func(app *Application, blob []byte, ifaceID [4]byte, addr []byte)

// Application is a named, versioned protocol handler addressed by a
//16-byte id derived from (name, description, version). Callbacks is
// an open namespace of named hooks an application exposes for other
// applications to invoke (e.g. SpanningTree's "set_addr").
type Application struct {
	Name        string
	Description string
	Version     uint32
	ID          [16]byte
	Receive     ReceiveFunc
	Callbacks   map[string]func(args ...interface{}) interface{}
	Params      map[string]interface{}

	hooks map[string]func(args ...interface{})
}

// New constructs an Application and derives its id.
func New(name, description string, version uint32, receive ReceiveFunc) *Application {
	return &Application{
		Name:        name,
		Description: description,
		Version:     version,
		ID:          deriveAppID(name, description, version),
		Receive:     receive,
		Callbacks:   make(map[string]func(args ...interface{}) interface{}),
		Params:      make(map[string]interface{}),
		hooks:       make(map[string]func(args ...interface{})),
	}
}

func deriveAppID(name, description string, version uint32) [16]byte {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte(description))
	var vbuf [4]byte
	binary.BigEndian.PutUint32(vbuf[:], version)
	h.Write(vbuf[:])
	sum := h.Sum(nil)
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

// AddHook registers a lifecycle hook (e.g. "receive", "invoke", or a
// specific callback name) invoked alongside the matching operation.
func (a *Application) AddHook(name string, hook func(args ...interface{})) {
	a.hooks[name] = hook
}

// Deliver invokes the Application's receive callback for an inbound
// blob, running the "receive" hook first if registered.
func (a *Application) Deliver(blob []byte, ifaceID [4]byte, addr []byte) {
	if hook, ok := a.hooks["receive"]; ok {
		hook(blob, ifaceID, addr)
	}
	if a.Receive != nil {
		a.Receive(a, blob, ifaceID, addr)
	}
}

// Available reports whether a named callback exists, or lists every
// registered callback name when name is empty.
func (a *Application) Available(name string) ([]string, bool) {
	if name == "" {
		names := make([]string, 0, len(a.Callbacks))
		for n := range a.Callbacks {
			names = append(names, n)
		}
		return names, false
	}
	_, ok := a.Callbacks[name]
	return nil, ok
}

// Invoke calls a registered callback by name, running the "invoke" and
// per-name hooks first. Returns nil if no such callback is registered.
func (a *Application) Invoke(name string, args ...interface{}) interface{} {
	if hook, ok := a.hooks["invoke"]; ok {
		hook(append([]interface{}{name}, args...)...)
	}
	if hook, ok := a.hooks[name]; ok {
		hook(args...)
	}
	cb, ok := a.Callbacks[name]
	if !ok {
		return nil
	}
	return cb(args...)
}

// Package is the envelope a completed sequence (or single unfragmented
// packet body) decodes into: the destination application id, a
// half-sha256 integrity digest of the blob, and the blob itself.
type Package struct {
	AppID       [16]byte
	HalfSHA256  [16]byte
	Blob        []byte
}

// FromBlob builds a Package for appID, computing the integrity digest
// over blob.
func FromBlob(appID [16]byte, blob []byte) Package {
	sum := sha256.Sum256(blob)
	var half [16]byte
	copy(half[:], sum[:16])
	return Package{AppID: appID, HalfSHA256: half, Blob: blob}
}

// Verify reports whether HalfSHA256 matches sha256(Blob)[:16].
func (p Package) Verify() bool {
	sum := sha256.Sum256(p.Blob)
	var half [16]byte
	copy(half[:], sum[:16])
	return half == p.HalfSHA256
}

// Pack serializes a Package to bytes: app_id(16) || half_sha256(16) || blob.
func (p Package) Pack() []byte {
	out := make([]byte, 0, 32+len(p.Blob))
	out = append(out, p.AppID[:]...)
	out = append(out, p.HalfSHA256[:]...)
	out = append(out, p.Blob...)
	return out
}

// Unpack deserializes a Package from bytes produced by Pack.
func Unpack(data []byte) (Package, error) {
	if len(data) < 32 {
		return Package{}, errors.New("appdispatch: package too short")
	}
	var pkg Package
	copy(pkg.AppID[:], data[:16])
	copy(pkg.HalfSHA256[:], data[16:32])
	pkg.Blob = append([]byte(nil), data[32:]...)
	return pkg, nil
}
