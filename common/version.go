package common

const PackageName = "github.com/ruteri/tee-enclave-rpc"

// Version is overridden at build time with -ldflags "-X .../common.Version=..."
var Version = "dev"
