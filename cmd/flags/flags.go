package flags

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/ruteri/tee-enclave-rpc/common"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/httpserver"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/ledger"
	"github.com/ruteri/tee-enclave-rpc/storage"
	"github.com/ruteri/tee-enclave-rpc/transport"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(HTTPAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// TransportConfig builds the transport selection from the transport flags.
func TransportConfig(cCtx *cli.Context, logger *slog.Logger) (transport.Config, error) {
	variant, err := interfaces.ParseTransportVariant(cCtx.String(TransportFlag.Name))
	if err != nil {
		return transport.Config{}, err
	}

	var resolver *transport.Resolver
	dnsServer := cCtx.String(DNSServerFlag.Name)
	if dnsServer == "" {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
			dnsServer = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
	}
	if dnsServer != "" {
		resolver = transport.NewResolver(dnsServer, 5*time.Second, logger)
	} else {
		logger.Warn("No DNS server configured, srv:// addresses will not resolve")
	}

	return transport.Config{
		Variant: variant,
		Direct: transport.DirectConfig{
			DialTimeout:      cCtx.Duration(DialTimeoutFlag.Name),
			HandshakeTimeout: cCtx.Duration(HandshakeTimeoutFlag.Name),
			Resolver:         resolver,
		},
		Bootstrap: transport.BootstrapConfig{
			PollInterval: cCtx.Duration(PollIntervalFlag.Name),
			Timeout:      cCtx.Duration(RelayTimeoutFlag.Name),
		},
	}, nil
}

// ProofVerifier accepts authority-signed proofs from the configured
// authorities and TDX quotes.
func ProofVerifier(cCtx *cli.Context) (interfaces.ProofVerifier, error) {
	var authorities []ethcommon.Address
	for _, a := range cCtx.StringSlice(AuthorityFlag.Name) {
		if !ethcommon.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid authority address %q", a)
		}
		authorities = append(authorities, ethcommon.HexToAddress(a))
	}

	return cryptoutils.VerifierSet{
		cryptoutils.SignedAttestation: cryptoutils.NewSignedProofVerifier(authorities...),
		cryptoutils.DCAPAttestation:   &cryptoutils.DCAPProofVerifier{},
	}, nil
}

// LoadCredentials loads the identity proof from storage and the secret key
// from its location. With --dev-authority-key instead, fresh credentials are
// signed locally for the --measurement value.
func LoadCredentials(cCtx *cli.Context, logger *slog.Logger) (*cryptoutils.Credentials, error) {
	if devKey := cCtx.String(DevAuthorityKeyFlag.Name); devKey != "" {
		authority, err := crypto.HexToECDSA(devKey)
		if err != nil {
			return nil, fmt.Errorf("invalid dev authority key: %w", err)
		}
		measurement, err := interfaces.NewMeasurementFromHex(cCtx.String(MeasurementFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("invalid measurement: %w", err)
		}
		expiry := uint64(time.Now().Add(cCtx.Duration(DevProofTTLFlag.Name)).Unix())
		logger.Warn("Using locally signed development credentials",
			slog.String("authority", crypto.PubkeyToAddress(authority.PublicKey).Hex()))
		return cryptoutils.GenerateSignedCredentials(authority, measurement, expiry)
	}

	proofID, err := interfaces.NewContentIDFromHex(cCtx.String(ProofIDFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", ProofIDFlag.Name, err)
	}
	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(cCtx.StringSlice(StorageFlag.Name))
	if err != nil {
		return nil, err
	}
	return storage.LoadCredentials(cCtx.Context, backend, proofID, cCtx.String(SecretKeyFlag.Name), logger)
}

// RegistryTarget is the registry enclave named by the registry flags.
func RegistryTarget(cCtx *cli.Context) (interfaces.Target, error) {
	id, err := interfaces.NewEntityIDFromHex(cCtx.String(RegistryIDFlag.Name))
	if err != nil {
		return interfaces.Target{}, fmt.Errorf("invalid --%s: %w", RegistryIDFlag.Name, err)
	}
	whitelist, err := ParseMeasurements(cCtx.StringSlice(RegistryMeasurementFlag.Name))
	if err != nil {
		return interfaces.Target{}, err
	}
	return interfaces.Target{
		EntityID:  id,
		Addresses: cCtx.StringSlice(RegistryAddrFlag.Name),
		Whitelist: whitelist,
	}, nil
}

func ParseMeasurements(values []string) ([]interfaces.Measurement, error) {
	measurements := make([]interfaces.Measurement, 0, len(values))
	for _, v := range values {
		m, err := interfaces.NewMeasurementFromHex(v)
		if err != nil {
			return nil, fmt.Errorf("invalid measurement %q: %w", v, err)
		}
		measurements = append(measurements, m)
	}
	return measurements, nil
}

// DialChain connects to the Ethereum RPC named by --rpc-addr.
func DialChain(cCtx *cli.Context, logger *slog.Logger) (*ethclient.Client, error) {
	rpcAddress := cCtx.String(RpcAddrFlag.Name)
	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	client, err := ethclient.DialContext(cCtx.Context, rpcAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}
	return client, nil
}

// ContractAddress returns the address given by flag, or resolves name
// through the contract registry when the flag is empty.
func ContractAddress(ctx context.Context, cCtx *cli.Context, caller bind.ContractCaller, flag *cli.StringFlag, name string) (ethcommon.Address, error) {
	if v := cCtx.String(flag.Name); v != "" {
		if !ethcommon.IsHexAddress(v) {
			return ethcommon.Address{}, fmt.Errorf("invalid --%s address %q", flag.Name, v)
		}
		return ethcommon.HexToAddress(v), nil
	}

	registryAddr := cCtx.String(ContractRegistryFlag.Name)
	if registryAddr == "" {
		return ethcommon.Address{}, fmt.Errorf("either --%s or --%s is required", flag.Name, ContractRegistryFlag.Name)
	}
	if !ethcommon.IsHexAddress(registryAddr) {
		return ethcommon.Address{}, fmt.Errorf("invalid --%s address %q", ContractRegistryFlag.Name, registryAddr)
	}
	contracts, err := ledger.NewContractRegistry(caller, ethcommon.HexToAddress(registryAddr))
	if err != nil {
		return ethcommon.Address{}, err
	}
	return contracts.Resolve(ctx, name)
}

// Relay builds the ledger relay. Without --eth-key the relay can only read.
func Relay(cCtx *cli.Context, client *ethclient.Client, logger *slog.Logger) (*ledger.EthRelay, error) {
	ctx := cCtx.Context
	hub, err := ContractAddress(ctx, cCtx, client, RelayHubFlag, ledger.RelayHubName)
	if err != nil {
		return nil, err
	}

	relay, err := ledger.NewEthRelay(client, hub, ledger.RelayConfig{
		Confirmations: cCtx.Uint64(ConfirmationsFlag.Name),
		FromBlock:     cCtx.Uint64(FromBlockFlag.Name),
	}, logger)
	if err != nil {
		return nil, err
	}

	keyHex := cCtx.String(EthKeyFlag.Name)
	if keyHex == "" {
		logger.Warn("No --eth-key configured, relay transactions will fail")
		return relay, nil
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", EthKeyFlag.Name, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not fetch chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}
	relay.SetTransactOpts(auth)

	logger.Info("Relay configured",
		slog.String("hub", hub.Hex()),
		slog.String("sender", auth.From.Hex()),
		slog.Uint64("confirmations", cCtx.Uint64(ConfirmationsFlag.Name)))
	return relay, nil
}

var RpcAddrFlag = &cli.StringFlag{
	Name:  "rpc-addr",
	Value: "http://127.0.0.1:8545",
	Usage: "address to connect to Ethereum RPC",
}

var TransportFlag = &cli.StringFlag{
	Name:  "transport",
	Value: "direct",
	Usage: "channel transport: 'direct' (TCP) or 'bootstrap' (ledger relay)",
}
var DialTimeoutFlag = &cli.DurationFlag{
	Name:  "dial-timeout",
	Value: 10 * time.Second,
	Usage: "timeout for a single TCP connection attempt",
}
var HandshakeTimeoutFlag = &cli.DurationFlag{
	Name:  "handshake-timeout",
	Value: 30 * time.Second,
	Usage: "timeout for the channel handshake once connected",
}
var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Usage: "DNS server (host:port) used to resolve srv:// addresses; defaults to the first server in /etc/resolv.conf",
}
var PollIntervalFlag = &cli.DurationFlag{
	Name:  "poll-interval",
	Value: transport.DefaultPollInterval,
	Usage: "delay between relay result queries",
}
var RelayTimeoutFlag = &cli.DurationFlag{
	Name:  "relay-timeout",
	Value: transport.DefaultRelayTimeout,
	Usage: "how long to wait for a relayed request to be answered",
}
var ConfirmationsFlag = &cli.Uint64Flag{
	Name:  "confirmations",
	Value: 2,
	Usage: "blocks a relay event must be buried under before it is final",
}
var FromBlockFlag = &cli.Uint64Flag{
	Name:  "from-block",
	Value: 0,
	Usage: "first block to scan for relay events",
}
var EthKeyFlag = &cli.StringFlag{
	Name:    "eth-key",
	EnvVars: []string{"ETH_KEY"},
	Usage:   "hex-encoded secp256k1 key paying for relay transactions",
}

var ContractRegistryFlag = &cli.StringFlag{
	Name:  "contract-registry",
	Usage: "address of the contract registry used to resolve the other contracts",
}
var RelayHubFlag = &cli.StringFlag{
	Name:  "relay-hub",
	Usage: "address of the relay hub contract; resolved through --contract-registry if empty",
}
var EntityRegistryFlag = &cli.StringFlag{
	Name:  "entity-registry",
	Usage: "address of the entity registry contract; resolved through --contract-registry if empty",
}

var AuthorityFlag = &cli.StringSliceFlag{
	Name:  "authority",
	Usage: "address of a trusted proof signing authority (repeatable)",
}
var ProofIDFlag = &cli.StringFlag{
	Name:  "proof-id",
	Usage: "content id of this process's identity proof",
}
var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Value: cli.NewStringSlice("file://./proofs"),
	Usage: "storage location URIs holding identity proofs (file://, s3://, ipfs://, vault://)",
}
var SecretKeyFlag = &cli.StringFlag{
	Name:    "secret-key",
	EnvVars: []string{"SECRET_KEY_URI"},
	Usage:   "location of the long-term X25519 secret key (file path, file:// or vault://)",
}
var DevAuthorityKeyFlag = &cli.StringFlag{
	Name:  "dev-authority-key",
	Usage: "hex-encoded secp256k1 authority key to sign fresh development credentials with",
}
var MeasurementFlag = &cli.StringFlag{
	Name:  "measurement",
	Value: "0000000000000000000000000000000000000000000000000000000000000000",
	Usage: "measurement claimed by development credentials",
}
var DevProofTTLFlag = &cli.DurationFlag{
	Name:  "dev-proof-ttl",
	Value: 24 * time.Hour,
	Usage: "validity of development credentials",
}

var RegistryIDFlag = &cli.StringFlag{
	Name:  "registry-id",
	Usage: "entity id of the registry enclave",
}
var RegistryAddrFlag = &cli.StringSliceFlag{
	Name:  "registry-addr",
	Usage: "address of the registry enclave (host:port or srv://name, repeatable)",
}
var RegistryMeasurementFlag = &cli.StringSliceFlag{
	Name:  "registry-measurement",
	Usage: "accepted registry enclave measurement (repeatable)",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var HTTPAddrFlag = &cli.StringFlag{
	Name:  "http-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the health API; empty disables it",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var TransportFlags = []cli.Flag{
	TransportFlag,
	DialTimeoutFlag,
	HandshakeTimeoutFlag,
	DNSServerFlag,
	PollIntervalFlag,
	RelayTimeoutFlag,
	ConfirmationsFlag,
	FromBlockFlag,
	RpcAddrFlag,
	EthKeyFlag,
	ContractRegistryFlag,
	RelayHubFlag,
}

var CredentialFlags = []cli.Flag{
	AuthorityFlag,
	ProofIDFlag,
	StorageFlag,
	SecretKeyFlag,
	DevAuthorityKeyFlag,
	MeasurementFlag,
	DevProofTTLFlag,
}
