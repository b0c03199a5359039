// Package arcrtc wires the real-time media transport core's components
// together: signaling-driven session/stream lifecycle, SRTP crypto,
// jitter buffering, loss concealment, health monitoring, and adaptive
// bitrate control, sitting on pluggable KeyProvider/TransportSink
// capabilities.
package arcrtc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcrtc/core/keyprovider"
	"github.com/arcrtc/core/signaling"
	"github.com/arcrtc/core/stream"
	"github.com/arcrtc/core/transport"
)

// Config bundles construction-time options for a Core (spec §6's
// recognized configuration surface).
type Config struct {
	Signaling signaling.Config
}

// DefaultConfig returns a Core configuration using every component's own
// documented defaults (spec §6).
func DefaultConfig() Config {
	return Config{Signaling: signaling.DefaultConfig()}
}

// Core aggregates one process's signaling engine, stream manager, key
// provider, and transport sink (spec §2's component table). It owns no
// network resources itself; TransportSink and KeyProvider are injected.
type Core struct {
	log zerolog.Logger

	Signaling *signaling.Engine
	Streams   *stream.Manager
	Keys      keyprovider.KeyProvider
	Sink      transport.Sink
}

// New constructs a Core wired per cfg. keys and sink are capability
// interfaces the caller owns the lifecycle of (spec §3 "the core does not
// own their backing resources").
func New(cfg Config, keys keyprovider.KeyProvider, sink transport.Sink, log zerolog.Logger) *Core {
	streams := stream.NewManager(log)
	sig := signaling.NewEngine(cfg.Signaling, streams, keys, log)
	return &Core{
		log:       log,
		Signaling: sig,
		Streams:   streams,
		Keys:      keys,
		Sink:      sink,
	}
}

// RunInboundLoop reads datagrams from the Core's TransportSink and routes
// them to their owning stream until ctx is cancelled. Per-packet errors
// are logged and counted, never propagated (spec §7 "Propagation
// policy").
func (c *Core) RunInboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b, _, err := c.Sink.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Msg("transport read failed")
			continue
		}

		if err := c.Streams.RouteInbound(b, time.Now()); err != nil {
			c.log.Debug().Err(err).Msg("route_inbound dropped packet")
		}
	}
}

// SendSignaling encodes and writes one signaling message to remote over
// the Core's TransportSink.
func (c *Core) SendSignaling(ctx context.Context, remote *net.UDPAddr, msg signaling.Message) error {
	b, err := signaling.Encode(msg)
	if err != nil {
		return fmt.Errorf("arcrtc: encode signaling message: %w", err)
	}
	return c.Sink.Send(ctx, remote, b)
}
