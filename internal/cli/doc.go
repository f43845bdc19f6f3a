// Parses flags and configures logging for the kiln CLI.
//
// The CLI accepts the following global flags:
//
//	-q, --quiet       Suppress informational output.
//	-v, --verbose     Enable verbose output.
//	-d, --debug       Enable debug output.
//	-a, --address     Containerd socket address.
//	-n, --namespace   Containerd namespace.
//
// Flags override build-time defaults set via linker flags. After parsing,
// the global logger is reconfigured to reflect the final level and
// verbosity before the selected subcommand runs.
package cli
