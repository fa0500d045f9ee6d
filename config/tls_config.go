package config

import (
	"crypto/tls"
	"fmt"
)

type TLSConfig struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

// GenerateTLSConfig builds the server side tls.Config for the health and metrics listener.
func (t *TLSConfig) GenerateTLSConfig() (*tls.Config, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	certificate, err := tls.X509KeyPair([]byte(t.Certificate), []byte(t.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("error loading certificate and private key: %v", err)
	}

	return &tls.Config{
		Certificates:     []tls.Certificate{certificate},
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
	}, nil
}

func (t *TLSConfig) validate() error {
	if t.Certificate == "" {
		return fmt.Errorf("config error: TLS certificate required")
	}
	if t.PrivateKey == "" {
		return fmt.Errorf("config error: TLS private key required")
	}
	return nil
}
