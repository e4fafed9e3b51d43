package tlsconfig

import (
	"crypto/tls"
	"fmt"
	"sync"

	raven "github.com/getsentry/raven-go"
	"github.com/rs/zerolog"

	"github.com/flare152/flare/watcher"
)

// CertReloader can load and reload a TLS certificate from a particular filepath.
// Hooks into tls.Config's GetCertificate to allow a TLS server to update its certificate without restarting.
type CertReloader struct {
	sync.Mutex
	certificate *tls.Certificate
	certPath    string
	keyPath     string
	log         *zerolog.Logger
}

// NewCertReloader makes a CertReloader. It loads the cert during initialization to make sure certPath and keyPath are valid
func NewCertReloader(certPath, keyPath string, log *zerolog.Logger) (*CertReloader, error) {
	cr := &CertReloader{
		certPath: certPath,
		keyPath:  keyPath,
		log:      log,
	}
	if err := cr.LoadCert(); err != nil {
		return nil, err
	}
	return cr, nil
}

// Cert returns the TLS certificate most recently read by the CertReloader.
// This method works as a direct utility method for tls.Config#GetCertificate.
func (cr *CertReloader) Cert(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.Lock()
	defer cr.Unlock()
	return cr.certificate, nil
}

// ClientCert returns the TLS certificate most recently read by the CertReloader.
// This method works as a direct utility method for tls.Config#GetClientCertificate.
func (cr *CertReloader) ClientCert(certRequestInfo *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cr.Lock()
	defer cr.Unlock()
	return cr.certificate, nil
}

// LoadCert loads a TLS certificate from the CertReloader's specified filepath.
// Call this after writing a new certificate to the disk (e.g. after renewing a certificate)
func (cr *CertReloader) LoadCert() error {
	cr.Lock()
	defer cr.Unlock()

	cert, err := tls.LoadX509KeyPair(cr.certPath, cr.keyPath)

	// Keep the old certificate if there's a problem reading the new one.
	if err != nil {
		raven.CaptureError(fmt.Errorf("Error parsing X509 key pair: %v", err), nil)
		return err
	}
	cr.certificate = &cert
	return nil
}

// WatchRotation registers the certificate and key files with fileWatcher so
// renewed certificates are picked up as they land on disk. The caller owns
// the watcher's run loop:
//
//	go fileWatcher.Start(reloader)
func (cr *CertReloader) WatchRotation(fileWatcher watcher.Service) error {
	if err := fileWatcher.Add(cr.certPath); err != nil {
		return err
	}
	return fileWatcher.Add(cr.keyPath)
}

// WatcherItemDidChange implements watcher.Listener. A rotation lands the
// key and the certificate as separate writes, so a half-rotated pair that
// fails to parse keeps the previous certificate until the second file
// arrives.
func (cr *CertReloader) WatcherItemDidChange(path string) {
	if err := cr.LoadCert(); err != nil {
		cr.log.Error().Err(err).Str("file", path).Msg("failed to reload certificate, keeping the previous one")
		return
	}
	cr.log.Info().Str("file", path).Msg("certificate reloaded")
}

// WatcherDidError implements watcher.Listener.
func (cr *CertReloader) WatcherDidError(err error) {
	cr.log.Error().Err(err).Msg("certificate watcher failed")
}

var _ watcher.Listener = (*CertReloader)(nil)
