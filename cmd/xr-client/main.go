// Command xr-client runs the transparent proxy client: it installs (or
// expects pre-installed) redirect rules that steer outbound HTTP/HTTPS
// traffic into its listener, then for each connection decides — via SNI
// and destination-IP routing rules — whether to dial the destination
// directly or tunnel it through xr-server.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/xrproxy/xr-proxy/client"
	"github.com/xrproxy/xr-proxy/config"
	"github.com/xrproxy/xr-proxy/firewall"
	"github.com/xrproxy/xr-proxy/framing"
	"github.com/xrproxy/xr-proxy/obfuscation"
	"github.com/xrproxy/xr-proxy/routing"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/xr-proxy/config.toml", "path to config file")
	logLevel := flag.StringP("log-level", "l", "", "override configured log level")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xr-client: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Client.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogging(level)

	log.Info().Msg("xr-client starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("xr-client exited with error")
	}

	log.Info().Msg("xr-client stopped")
}

func run(cfg *config.ClientConfig) error {
	key, err := config.DecodeKey(cfg.Obfuscation.Key)
	if err != nil {
		return err
	}
	strategy, err := obfuscation.ParseModifierStrategy(cfg.Obfuscation.Modifier)
	if err != nil {
		return err
	}
	obfs := obfuscation.New(key, uint32(cfg.Obfuscation.Salt), strategy)
	codec, err := framing.NewCodec(obfs, cfg.Obfuscation.PaddingMin, cfg.Obfuscation.PaddingMax)
	if err != nil {
		return err
	}

	var geoReader routing.GeoIPReader
	if cfg.GeoIP != nil && cfg.GeoIP.Database != "" {
		reader, err := routing.OpenGeoIP(cfg.GeoIP.Database)
		if err != nil {
			log.Warn().Err(err).Str("database", cfg.GeoIP.Database).Msg("xr-client: failed to load GeoIP database, continuing without it")
		} else {
			geoReader = reader
			defer reader.Close()
		}
	}
	router := routing.New(cfg.Routing, geoReader)

	serverIP, err := netip.ParseAddr(cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("xr-client: server.address %q is not an IP literal: %w", cfg.Server.Address, err)
	}
	serverAddr := netip.AddrPortFrom(serverIP, cfg.Server.Port)

	state := &client.State{
		Router:       router,
		Codec:        codec,
		ServerAddr:   serverAddr,
		OnServerDown: routing.ParseAction(cfg.Client.OnServerDown),
		ListenPort:   cfg.Client.ListenPort,
	}

	var fwBackend firewall.Backend
	var fwInstalled bool
	if cfg.Client.AutoRedirect {
		if backend, ok := firewall.Detect(); ok {
			if err := firewall.Install(backend, cfg.Client.ListenPort, cfg.Server.Address); err != nil {
				return fmt.Errorf("xr-client: installing firewall rules: %w", err)
			}
			fwBackend, fwInstalled = backend, true
		} else {
			log.Warn().Msg("xr-client: no firewall backend (nftables/iptables) found, skipping auto-redirect")
		}
	}
	defer func() {
		if fwInstalled {
			if err := firewall.Uninstall(fwBackend); err != nil {
				log.Warn().Err(err).Msg("xr-client: failed to clean up firewall rules")
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- client.Run(ctx, cfg.Client.ListenPort, state) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sigc:
		log.Info().Msg("xr-client: shutdown signal received")
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
