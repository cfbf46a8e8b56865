package udt

import (
	"crypto/tls"
	"net"
)

// DialTLS connects to the given UDT network address ("udt", "udt4" or
// "udt6"; other networks are rejected) and then initiates a TLS handshake,
// returning the resulting TLS connection. DialTLS interprets a nil configuration as
// equivalent to the zero configuration; see the documentation of
// tls.Config for the details.
func DialTLS(network, addr string, config *tls.Config) (*tls.Conn, error) {
	return DialTLSOptions(network, addr, config)
}

// DialTLSOptions connects to the given UDT network address ("udt", "udt4"
// or "udt6"; other networks are rejected) and then initiates a TLS
// handshake, returning the resulting TLS connection. DialTLS interprets a nil configuration as
// equivalent to the zero configuration; see the documentation of
// tls.Config for the details.
func DialTLSOptions(network, addr string, config *tls.Config, options ...ConnectOption) (*tls.Conn, error) {
	udtAddr, err := ResolveUDTAddr(network, addr)
	if err != nil {
		return nil, err
	}
	udtConn, err := DialUDTOptions(network, nil, udtAddr, options...)
	if err != nil {
		return nil, err
	}
	return tls.Client(udtConn, config), nil
}

// ListenTLS creates a TLS listener accepting connections on the given UDT
// network address ("udt", "udt4" or "udt6"; other networks are rejected). The
// configuration config must be non-nil and must include at least one
// certificate or else set GetCertificate.
func ListenTLS(network, laddr string, config *tls.Config) (net.Listener, error) {
	return ListenTLSOptions(network, laddr, config)
}

// ListenTLSOptions creates a TLS listener accepting connections on the
// given UDT network address ("udt", "udt4" or "udt6"; other networks are
// rejected). The
// configuration config must be non-nil and must include at least one
// certificate or else set GetCertificate.
func ListenTLSOptions(network, laddr string, config *tls.Config, options ...ConnectOption) (net.Listener, error) {
	udtAddr, err := ResolveUDTAddr(network, laddr)
	if err != nil {
		return nil, err
	}
	listener, err := ListenUDTOptions(network, udtAddr, options...)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(listener, config), nil
}
