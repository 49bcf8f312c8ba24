// Package tlsconfig builds tls.Config values from the certificate file
// options shared by the transport service configs.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// Create builds a tls.Config from CA, certificate and key file paths.
// Empty paths leave the corresponding field at its zero value, so an all
// empty call yields a config equivalent to the default verification
// behavior. A client certificate requires both the cert and key files.
func Create(caFile, certFile, keyFile string, insecureSkipVerify bool) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
	}

	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client cert/key pair")
		}
		t.Certificates = []tls.Certificate{cert}
	case certFile != "":
		return nil, errors.New("ssl-cert given without ssl-key")
	case keyFile != "":
		return nil, errors.New("ssl-key given without ssl-cert")
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in CA file %q", caFile)
		}
		t.RootCAs = pool
	}
	return t, nil
}
