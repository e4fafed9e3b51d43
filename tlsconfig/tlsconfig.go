// Package tlsconfig provides convenience functions for building TLS
// configurations for the fabric's listeners and dialers.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// ALPN tokens. The QUIC listener answers the draft-29 token for compatibility
// with older dialers and the fabric's own token for current ones.
const (
	ALPNDraft29 = "hq-29"
	ALPNFabric  = "flare-quic"
)

// NextProtos is the ALPN list both ends of the fabric offer.
func NextProtos() []string {
	return []string{ALPNDraft29, ALPNFabric}
}

// TLSParameters describes how to assemble a tls.Config. The zero value of a
// field leaves the corresponding tls.Config field alone.
type TLSParameters struct {
	Cert                 string
	Key                  string
	GetCertificate       *CertReloader
	GetClientCertificate *CertReloader
	ClientCAs            []string
	RootCAs              []string
	ServerName           string
	CurvePreferences     []tls.CurveID
	MinVersion           uint16
	InsecureSkipVerify   bool
}

// GetConfig returns a TLS configuration according to the parameters in p.
func GetConfig(p *TLSParameters) (*tls.Config, error) {
	tlsconfig := &tls.Config{}
	if p.Cert != "" && p.Key != "" {
		cert, err := tls.LoadX509KeyPair(p.Cert, p.Key)
		if err != nil {
			return nil, errors.Wrap(err, "Error parsing X509 key pair")
		}
		tlsconfig.Certificates = []tls.Certificate{cert}
		// BuildNameToCertificate parses Certificates and builds NameToCertificate from common name
		// and SAN fields of leaf certificates
		tlsconfig.BuildNameToCertificate()
	}

	if p.GetCertificate != nil {
		// GetCertificate is called when client supplies SNI info or Certificates is empty.
		// Order of retrieving certificate is GetCertificate, GetConfigForClient and lastly Certificates
		tlsconfig.GetCertificate = p.GetCertificate.Cert
	}

	if p.GetClientCertificate != nil {
		// GetClientCertificate is called when a server requests a certificate from a client
		tlsconfig.GetClientCertificate = p.GetClientCertificate.ClientCert
	}

	if len(p.ClientCAs) > 0 {
		// set of root certificate authorities that servers use if required to verify a client certificate
		// by the policy in ClientAuth
		clientCAs, err := LoadCertPool(p.ClientCAs)
		if err != nil {
			return nil, errors.Wrap(err, "Error loading client CAs")
		}
		tlsconfig.ClientCAs = clientCAs
		// server's policy for TLS Client Authentication. Default is no client cert
		tlsconfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	// set of root certificate authorities that clients use when verifying server certificates
	if len(p.RootCAs) > 0 {
		rootCAs, err := LoadCertPool(p.RootCAs)
		if err != nil {
			return nil, errors.Wrap(err, "Error loading root CAs")
		}
		tlsconfig.RootCAs = rootCAs
	}

	if p.ServerName != "" {
		tlsconfig.ServerName = p.ServerName
	}

	if len(p.CurvePreferences) > 0 {
		tlsconfig.CurvePreferences = p.CurvePreferences
	} else {
		// P-256 has a constant-time assembly implementation
		tlsconfig.CurvePreferences = []tls.CurveID{tls.CurveP256}
	}

	tlsconfig.MinVersion = p.MinVersion
	tlsconfig.InsecureSkipVerify = p.InsecureSkipVerify

	return tlsconfig, nil
}

// LoadCertPool creates a CertPool from all certificates in the given
// PEM-format files.
func LoadCertPool(certPaths []string) (*x509.CertPool, error) {
	ca := x509.NewCertPool()
	for _, certPath := range certPaths {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, errors.Wrapf(err, "Error reading certificate %s", certPath)
		}
		if !ca.AppendCertsFromPEM(caCert) {
			return nil, errors.Errorf("Error parsing certificate %s", certPath)
		}
	}
	return ca, nil
}

// ServerConfig builds the fabric server's TLS configuration around a
// CertReloader, with the fabric ALPN list.
func ServerConfig(reloader *CertReloader) *tls.Config {
	return &tls.Config{
		GetCertificate: reloader.Cert,
		NextProtos:     NextProtos(),
		MinVersion:     tls.VersionTLS12,
	}
}

// ClientConfig builds the dialing side's TLS configuration. rootCAs may be
// empty, in which case the system pool is used. Verification needs a server
// name unless insecureSkipVerify is set (tests, local development).
func ClientConfig(serverName string, rootCAs []string, insecureSkipVerify bool) (*tls.Config, error) {
	config, err := GetConfig(&TLSParameters{
		RootCAs:            rootCAs,
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	config.NextProtos = NextProtos()
	if config.ServerName == "" && !config.InsecureSkipVerify {
		return nil, errors.New("either ServerName or InsecureSkipVerify must be specified in the tls.Config")
	}
	return config, nil
}
