// Package security loads optional TLS material for the WebSocket streaming
// listener; the Historical API listener serves plain HTTP. The bridge runs as a single process behind a
// private mesh; it has no cluster membership to bootstrap trust for, so
// this package carries none of the CA-issuance machinery a multi-node
// deployment would need. A deployment that wants transport security on
// the listener supplies a cert/key pair and the bridge loads it as-is.
package security

import (
	"crypto/tls"
	"fmt"
)

// LoadServerTLSConfig loads a server certificate/key pair from disk and
// builds a tls.Config suitable for an http.Server or websocket upgrader.
// There is no client certificate verification here: the bridge's clients
// are read-only chart consumers on a private mesh, not cluster peers
// needing mutual authentication.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
