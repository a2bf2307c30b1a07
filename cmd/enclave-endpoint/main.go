package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/tee-enclave-rpc/cmd/flags"
	"github.com/ruteri/tee-enclave-rpc/httpserver"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/ledger"
	"github.com/ruteri/tee-enclave-rpc/registry"
	"github.com/ruteri/tee-enclave-rpc/rpc"
	"github.com/ruteri/tee-enclave-rpc/transport"
	"github.com/urfave/cli/v2"
)

// MethodPing echoes the request payload.
const MethodPing = "Ping"

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "0.0.0.0:7400",
	Usage: "address to accept direct channels on; empty disables the TCP listener",
}
var flagRelay = &cli.BoolFlag{
	Name:  "relay",
	Usage: "answer bootstrap channels relayed through the ledger",
}
var flagEntityID = &cli.StringFlag{
	Name:  "entity-id",
	Usage: "entity id to answer relayed requests for; defaults to the id derived from the public key",
}
var flagClientMeasurement = &cli.StringSliceFlag{
	Name:  "client-measurement",
	Usage: "accepted client measurement (repeatable)",
}
var flagSessionTTL = &cli.DurationFlag{
	Name:  "session-ttl",
	Value: 30 * time.Minute,
	Usage: "drop channels idle for longer than this",
}
var flagRelayCursorFile = &cli.StringFlag{
	Name:  "relay-cursor-file",
	Usage: "file persisting the relay scan position across restarts",
}
var flagServeRegistry = &cli.BoolFlag{
	Name:  "serve-registry",
	Usage: "serve Lookup and List from the on-chain entity registry",
}

func main() {
	endpointFlags := []cli.Flag{
		flagListenAddr,
		flagRelay,
		flagRelayCursorFile,
		flagEntityID,
		flagClientMeasurement,
		flagSessionTTL,
		flagServeRegistry,
		flags.EntityRegistryFlag,
		flags.HTTPAddrFlag,
		flags.PprofFlag,
		flags.DrainSecondsFlag,
		flags.LogServiceFlagFn("enclave-endpoint"),
	}
	endpointFlags = append(endpointFlags, flags.LogFlags...)
	endpointFlags = append(endpointFlags, flags.TransportFlags...)
	endpointFlags = append(endpointFlags, flags.CredentialFlags...)

	app := &cli.App{
		Name:   "enclave-endpoint",
		Usage:  "Serve authenticated enclave channels over TCP and the ledger relay",
		Flags:  endpointFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	if cCtx.String(flagListenAddr.Name) == "" && !cCtx.Bool(flagRelay.Name) {
		return fmt.Errorf("nothing to serve: set --%s or --%s", flagListenAddr.Name, flagRelay.Name)
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := flags.LoadCredentials(cCtx, logger)
	if err != nil {
		logger.Error("Failed to load credentials", "err", err)
		return err
	}
	defer creds.Close()

	pub := creds.PublicKey()
	entity := interfaces.EntityIDFromPublicKey(pub[:])
	if v := cCtx.String(flagEntityID.Name); v != "" {
		if entity, err = interfaces.NewEntityIDFromHex(v); err != nil {
			return fmt.Errorf("invalid --%s: %w", flagEntityID.Name, err)
		}
	}
	logger = logger.With("entity", entity.String())

	verifier, err := flags.ProofVerifier(cCtx)
	if err != nil {
		return err
	}
	clientWhitelist, err := flags.ParseMeasurements(cCtx.StringSlice(flagClientMeasurement.Name))
	if err != nil {
		return err
	}
	if len(clientWhitelist) == 0 {
		logger.Warn("No --client-measurement configured, every handshake will be rejected")
	}

	var chain *ethclient.Client
	dialChain := func() (*ethclient.Client, error) {
		if chain != nil {
			return chain, nil
		}
		client, err := flags.DialChain(cCtx, logger)
		if err != nil {
			return nil, err
		}
		chain = client
		return chain, nil
	}

	mux := rpc.NewMux(logger)
	mux.Handle(MethodPing, func(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error) {
		return payload, nil
	})

	if cCtx.Bool(flagServeRegistry.Name) {
		client, err := dialChain()
		if err != nil {
			return err
		}
		address, err := flags.ContractAddress(ctx, cCtx, client, flags.EntityRegistryFlag, ledger.EntityRegistryName)
		if err != nil {
			return err
		}
		entities, err := ledger.NewEntityRegistryClient(client, address)
		if err != nil {
			return err
		}
		registry.NewService(entities, logger).Register(mux)
		logger.Info("Serving entity registry", slog.String("contract", address.Hex()))
	}

	responder := transport.NewResponder(creds, verifier, mux, transport.ResponderConfig{
		ClientWhitelist: clientWhitelist,
		SessionTTL:      cCtx.Duration(flagSessionTTL.Name),
	}, logger)

	var server *transport.Server
	if addr := cCtx.String(flagListenAddr.Name); addr != "" {
		server, err = transport.Listen(addr, responder, logger)
		if err != nil {
			return err
		}
		server.RunInBackground(ctx)
		defer server.Close()
	}

	workerDone := make(chan struct{})
	if cCtx.Bool(flagRelay.Name) {
		client, err := dialChain()
		if err != nil {
			return err
		}
		relay, err := flags.Relay(cCtx, client, logger)
		if err != nil {
			return err
		}
		workerCfg := transport.RelayWorkerConfig{
			Entity:   entity,
			Interval: cCtx.Duration(flags.PollIntervalFlag.Name),
		}
		if path := cCtx.String(flagRelayCursorFile.Name); path != "" {
			workerCfg.Cursor = transport.FileCursor(path)
		}
		worker, err := transport.NewRelayWorker(relay, responder, workerCfg, logger)
		if err != nil {
			return err
		}
		go func() {
			defer close(workerDone)
			_ = worker.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	var health *httpserver.Server
	if cCtx.String(flags.HTTPAddrFlag.Name) != "" {
		health = httpserver.New(flags.ConfigureServer(cCtx, logger), func() map[string]any {
			status := map[string]any{
				"entity":   entity.String(),
				"sessions": responder.Sessions(),
				"relay":    cCtx.Bool(flagRelay.Name),
			}
			if server != nil {
				status["listen_addr"] = server.Addr().String()
			}
			return status
		})
		health.RunInBackground()
	}

	logger.Info("Endpoint is running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	if health != nil {
		health.Shutdown()
	}
	<-workerDone
	return nil
}
