// Command meshnode is a minimal illustration of wiring a Packager, its
// overlays, and the cooperative work loop together. It is not a
// deliverable radio driver: actual interface bring-up (attaching real
// ESP-NOW/LoRa send/receive callbacks) is an embedder's job, out of
// scope per spec.md section 1.
package main

import (
	"context"
	"crypto/sha256"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k98kurz/micropycelium/internal/config"
	"github.com/k98kurz/micropycelium/internal/obslog"
	"github.com/k98kurz/micropycelium/pkg/gossip"
	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/packager"
	"github.com/k98kurz/micropycelium/pkg/spanningtree"
)

func main() {
	if err := obslog.Init(obslog.Options{Development: true}); err != nil {
		panic(err)
	}
	defer obslog.Sync()
	log := obslog.Named("meshnode")

	seed := sha256.Sum256([]byte(hostname()))
	cfg := config.Default(seed[:])
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid config", "error", err)
	}

	pk := packager.New(cfg.UniqueDeviceID)
	log.Infow("node starting", "node_id", pk.NodeID)

	radio, err := iface.New("radio0", 250_000, []uint8{5, 2, 0})
	if err != nil {
		log.Fatalw("failed to construct interface", "error", err)
	}
	radio.Receive = func(ctx context.Context) (iface.Datagram, bool, error) { return iface.Datagram{}, false, nil }
	radio.Send = func(ctx context.Context, dg iface.Datagram) error { return nil }
	radio.Broadcast = func(ctx context.Context, dg iface.Datagram) error { return nil }
	if !pk.AddInterface(radio) {
		log.Fatalw("interface failed validation")
	}

	gossipAppID := [16]byte{0x84, 0x99}
	gossipOverlay := gossip.New(gossipAppID, pk.NodeID, gossip.PackagerTransport{Pk: pk}, func(appID [16]byte, data []byte) {
		log.Debugw("gossip delivered", "app_id", appID, "bytes", len(data))
	})

	tree := spanningtree.New(pk, gossipOverlay, true, true)
	tree.Start()
	log.Infow("spanning tree app registered", "app_id", tree.App.ID)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			log.Info("shutting down")
			tree.Stop()
			cancel()
			return
		case <-ticker.C:
			pk.Tick()
			if err := radio.Process(ctx); err != nil {
				log.Warnw("interface cycle failed", "error", err)
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "meshnode"
	}
	return h
}
