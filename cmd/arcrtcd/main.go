package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	arcrtc "github.com/arcrtc/core"
	"github.com/arcrtc/core/keyprovider"
	"github.com/arcrtc/core/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	bindHost := os.Getenv("ARCRTC_BIND_HOST")
	if bindHost == "" {
		bindHost = "0.0.0.0"
	}
	bindPort := 5004

	if err := run(ctx, bindHost, bindPort); err != nil {
		log.Fatal().Err(err).Msg("arcrtcd finished with error")
	}
}

func run(ctx context.Context, bindHost string, bindPort int) error {
	sink, err := transport.ListenUDP(&net.UDPAddr{IP: net.ParseIP(bindHost), Port: bindPort})
	if err != nil {
		return err
	}
	defer sink.Close()

	keys := keyprovider.NewMemory()
	core := arcrtc.New(arcrtc.DefaultConfig(), keys, sink, log.Logger)

	log.Info().Str("local", sink.LocalCandidate().Addr.String()).Msg("arcrtc core listening")
	return core.RunInboundLoop(ctx)
}
