package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/tee-enclave-rpc/cmd/flags"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/registry"
	"github.com/ruteri/tee-enclave-rpc/rpc"
	"github.com/ruteri/tee-enclave-rpc/transport"
	"github.com/urfave/cli/v2"
)

var flagMethod = &cli.StringFlag{
	Name:     "method",
	Required: true,
	Usage:    "RPC method to call on the enclave",
}
var flagPayload = &cli.StringFlag{
	Name:  "payload",
	Usage: "request payload; 0x-prefixed values are decoded as hex",
}
var flagFilterMeasurement = &cli.StringSliceFlag{
	Name:  "filter-measurement",
	Usage: "only list entities whitelisting this measurement (repeatable)",
}
var flagRegisteredAfter = &cli.Uint64Flag{
	Name:  "registered-after",
	Usage: "only list entities registered after this unix time",
}
var flagPageSize = &cli.IntFlag{
	Name:  "page-size",
	Value: registry.DefaultPageSize,
	Usage: "descriptors requested per registry round trip",
}

const usage = "Resolve enclaves through the registry enclave and call them over an authenticated channel"

func main() {
	globalFlags := []cli.Flag{
		flags.RegistryIDFlag,
		flags.RegistryAddrFlag,
		flags.RegistryMeasurementFlag,
		flags.LogServiceFlagFn("enclave-client"),
	}
	globalFlags = append(globalFlags, flags.LogFlags...)
	globalFlags = append(globalFlags, flags.TransportFlags...)
	globalFlags = append(globalFlags, flags.CredentialFlags...)

	app := &cli.App{
		Name:  "enclave-client",
		Usage: usage,
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:      "lookup",
				Usage:     "Print the descriptor of an entity",
				ArgsUsage: "<entity id>",
				Action: func(cCtx *cli.Context) error {
					id, err := interfaces.NewEntityIDFromHex(cCtx.Args().First())
					if err != nil {
						return fmt.Errorf("invalid entity id: %w", err)
					}
					return withClient(cCtx, func(c *clientSession) error {
						desc, err := c.registry.Lookup(cCtx.Context, id)
						if err != nil {
							return err
						}
						return printJSON(descriptorView(desc))
					})
				},
			},
			{
				Name:  "list",
				Usage: "List registered entities",
				Flags: []cli.Flag{flagFilterMeasurement, flagRegisteredAfter, flagPageSize},
				Action: func(cCtx *cli.Context) error {
					measurements, err := flags.ParseMeasurements(cCtx.StringSlice(flagFilterMeasurement.Name))
					if err != nil {
						return err
					}
					filter := registry.Filter{
						Measurements:    measurements,
						RegisteredAfter: cCtx.Uint64(flagRegisteredAfter.Name),
					}
					return withClient(cCtx, func(c *clientSession) error {
						c.registry.SetPageSize(cCtx.Int(flagPageSize.Name))
						for desc, err := range c.registry.List(cCtx.Context, filter) {
							if err != nil {
								return err
							}
							if err := printJSON(descriptorView(desc)); err != nil {
								return err
							}
						}
						return nil
					})
				},
			},
			{
				Name:      "call",
				Usage:     "Open a channel to an entity and perform one RPC call",
				ArgsUsage: "<entity id>",
				Flags:     []cli.Flag{flagMethod, flagPayload},
				Action: func(cCtx *cli.Context) error {
					id, err := interfaces.NewEntityIDFromHex(cCtx.Args().First())
					if err != nil {
						return fmt.Errorf("invalid entity id: %w", err)
					}
					payload, err := parsePayload(cCtx.String(flagPayload.Name))
					if err != nil {
						return err
					}
					return withClient(cCtx, func(c *clientSession) error {
						ch, err := c.registry.Connect(cCtx.Context, id, c.transport)
						if err != nil {
							return err
						}
						defer c.transport.Close(ch)

						c.log.Info("Channel established",
							slog.String("channel", ch.ID().String()),
							slog.String("peer_measurement", ch.PeerProof().Measurement.String()))

						resp, err := rpc.Call(cCtx.Context, c.transport, ch, cCtx.String(flagMethod.Name), payload)
						if err != nil {
							return err
						}
						fmt.Println(hex.EncodeToString(resp))
						return nil
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type clientSession struct {
	log       *slog.Logger
	transport interfaces.Transport
	registry  *registry.Client
}

// withClient wires credentials, transport and registry client for one
// command and releases them afterwards.
func withClient(cCtx *cli.Context, fn func(*clientSession) error) error {
	logger := flags.SetupLogger(cCtx)

	creds, err := flags.LoadCredentials(cCtx, logger)
	if err != nil {
		return fmt.Errorf("could not load credentials: %w", err)
	}
	defer creds.Close()

	t, err := newTransport(cCtx, creds, logger)
	if err != nil {
		return err
	}

	target, err := flags.RegistryTarget(cCtx)
	if err != nil {
		return err
	}
	client := registry.NewClient(t, target, logger)
	defer client.Close()

	return fn(&clientSession{log: logger, transport: t, registry: client})
}

func newTransport(cCtx *cli.Context, creds *cryptoutils.Credentials, logger *slog.Logger) (interfaces.Transport, error) {
	cfg, err := flags.TransportConfig(cCtx, logger)
	if err != nil {
		return nil, err
	}
	verifier, err := flags.ProofVerifier(cCtx)
	if err != nil {
		return nil, err
	}

	var ledger interfaces.Ledger
	if cfg.Variant == interfaces.BootstrapTransport {
		chain, err := flags.DialChain(cCtx, logger)
		if err != nil {
			return nil, err
		}
		relay, err := flags.Relay(cCtx, chain, logger)
		if err != nil {
			return nil, err
		}
		ledger = relay
	}

	return transport.New(cfg, creds, verifier, ledger, logger)
}

func parsePayload(v string) ([]byte, error) {
	if strings.HasPrefix(v, "0x") {
		return hex.DecodeString(v[2:])
	}
	return []byte(v), nil
}

type descriptorJSON struct {
	ID           string   `json:"id"`
	PublicKey    string   `json:"public_key"`
	Addresses    []string `json:"addresses"`
	Whitelist    []string `json:"whitelist"`
	RegisteredAt uint64   `json:"registered_at"`
}

func descriptorView(d interfaces.EntityDescriptor) descriptorJSON {
	whitelist := make([]string, 0, len(d.Whitelist))
	for _, m := range d.Whitelist {
		whitelist = append(whitelist, m.String())
	}
	return descriptorJSON{
		ID:           d.ID.String(),
		PublicKey:    hex.EncodeToString(d.PublicKey),
		Addresses:    d.Addresses,
		Whitelist:    whitelist,
		RegisteredAt: d.RegisteredAt,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
