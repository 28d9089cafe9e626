//go:build !docker
// +build !docker

package privaxy

// DefaultConfigDir is the platform-specific default for config-dir (§3,§6).
// It is overridden by the -config-dir flag or the PRIVAXY_CONFIG_DIR
// environment variable; most code should go through config.Dir instead of
// reading this directly.
//
// It should not be changed and is defined as a variable only for purposes
// of modification using the -X linker flag.
var DefaultConfigDir = "/etc/privaxy"
