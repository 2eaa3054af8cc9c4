// Package tlsconfig provides the TLS profiles and ALPN token lists the
// listener supervisor applies to accept-side configurations.
package tlsconfig

import (
	"crypto/tls"

	"github.com/WhileEndless/rawhttpd/pkg/errors"
)

// ALPN protocol tokens, most to least preferred. The h2-16/h2-14 draft
// tokens are still advertised for clients that never moved to the final
// identifier.
var (
	ALPNProtosHTTP2 = []string{"h2", "h2-16", "h2-14", "http/1.1"}
	ALPNProtosHTTP1 = []string{"http/1.1"}
)

// VersionProfile is a named TLS version range.
type VersionProfile struct {
	Min uint16
	Max uint16
}

var (
	// ProfileModern accepts TLS 1.3 only.
	ProfileModern = VersionProfile{Min: tls.VersionTLS13, Max: tls.VersionTLS13}

	// ProfileSecure accepts TLS 1.2 and 1.3, the default for listeners.
	ProfileSecure = VersionProfile{Min: tls.VersionTLS12, Max: tls.VersionTLS13}

	// ProfileCompatible accepts TLS 1.0 through 1.3 for legacy clients.
	ProfileCompatible = VersionProfile{Min: tls.VersionTLS10, Max: tls.VersionTLS13}
)

// ApplyVersionProfile sets a profile's version bounds on config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// CipherSuitesTLS12 is the ECDHE/AEAD suite set offered for TLS 1.2
// connections; TLS 1.3 suites are fixed by the standard library.
var CipherSuitesTLS12 = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyCipherSuites installs the recommended suites for the config's
// minimum version. TLS 1.3-only configs leave the selection to the
// standard library.
func ApplyCipherSuites(config *tls.Config) {
	if config.MinVersion >= tls.VersionTLS13 {
		config.CipherSuites = nil
		return
	}
	config.CipherSuites = CipherSuitesTLS12
}

// NewServerConfig builds an accept-side config from a certificate/key pair
// with the secure profile and recommended suites applied. enableHTTP2
// selects the ALPN token list.
func NewServerConfig(certPEM, keyPEM []byte, enableHTTP2 bool) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.NewTLSError("", 0, err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	ApplyVersionProfile(cfg, ProfileSecure)
	ApplyCipherSuites(cfg)
	if enableHTTP2 {
		cfg.NextProtos = append([]string(nil), ALPNProtosHTTP2...)
	} else {
		cfg.NextProtos = append([]string(nil), ALPNProtosHTTP1...)
	}
	return cfg, nil
}

// NewServerConfigFromFiles is NewServerConfig for on-disk PEM files.
func NewServerConfigFromFiles(certFile, keyFile string, enableHTTP2 bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.NewTLSError("", 0, err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	ApplyVersionProfile(cfg, ProfileSecure)
	ApplyCipherSuites(cfg)
	if enableHTTP2 {
		cfg.NextProtos = append([]string(nil), ALPNProtosHTTP2...)
	} else {
		cfg.NextProtos = append([]string(nil), ALPNProtosHTTP1...)
	}
	return cfg, nil
}

// VersionName renders a TLS version constant for logs and errors.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated reports whether version predates TLS 1.2.
func IsVersionDeprecated(version uint16) bool {
	return version < tls.VersionTLS12
}
