// Command xr-server runs the xr-proxy tunnel endpoint: it accepts
// obfuscated connections, expects a Connect frame, dials the requested
// target, and relays data — masquerading as an ordinary web server toward
// any connection that never completes the protocol handshake.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/xrproxy/xr-proxy/config"
	"github.com/xrproxy/xr-proxy/framing"
	"github.com/xrproxy/xr-proxy/obfuscation"
	"github.com/xrproxy/xr-proxy/server"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/xr-proxy/configs/server.toml", "path to config file")
	logLevel := flag.StringP("log-level", "l", "", "override configured log level")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xr-server: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogging(level)

	log.Info().Msg("xr-server starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("xr-server exited with error")
	}

	log.Info().Msg("xr-server stopped")
}

func run(cfg *config.ServerConfig) error {
	key, err := config.DecodeKey(cfg.Obfuscation.Key)
	if err != nil {
		return err
	}
	strategy, err := obfuscation.ParseModifierStrategy(cfg.Obfuscation.Modifier)
	if err != nil {
		return err
	}
	obfs := obfuscation.New(key, uint32(cfg.Obfuscation.Salt), strategy)
	// The server frames its own replies with the padding range from its own
	// [obfuscation] config. Decoding reads each frame's padding length from
	// its header, so this range need not match the client's.
	codec, err := framing.NewCodec(obfs, cfg.Obfuscation.PaddingMin, cfg.Obfuscation.PaddingMax)
	if err != nil {
		return err
	}

	var fallbackResponse []byte
	if cfg.Fallback.Enabled {
		fallbackResponse, err = config.LoadFallbackResponse(cfg.Fallback)
		if err != nil {
			return err
		}
	}

	srvCfg := &server.Config{
		Codec:            codec,
		HandshakeTimeout: time.Duration(cfg.Limits.ConnectionTimeoutSec) * time.Second,
		FallbackResponse: fallbackResponse,
		MaxConnections:   int64(cfg.Limits.MaxConnections),
	}

	listenAddr := net.JoinHostPort(cfg.Server.Listen, fmt.Sprint(cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- server.Run(ctx, listenAddr, srvCfg) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sigc:
		log.Info().Msg("xr-server: shutdown signal received")
		cancel()
		<-errc
		return nil
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false})
}
