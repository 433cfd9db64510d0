package gossip

import "github.com/k98kurz/micropycelium/pkg/packager"

// PackagerTransport adapts a *packager.Packager to the Sender
// interface, fixing the routing metric to dTree and letting the
// Packager resolve peerID to a route on its own.
type PackagerTransport struct {
	Pk *packager.Packager
}

// Broadcast implements Sender by broadcasting on every interface.
func (t PackagerTransport) Broadcast(appID [16]byte, blob []byte) bool {
	return t.Pk.Broadcast(appID, blob, nil)
}

// Send implements Sender by sending to peerID, directly if it is a
// neighbor, otherwise via a known route to it.
func (t PackagerTransport) Send(appID [16]byte, blob []byte, peerID []byte) bool {
	return t.Pk.Send(appID, blob, peerID, nil, false)
}
