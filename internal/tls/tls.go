// Package tls builds the API listener's TLS configuration from the daemon
// config, generating a self-signed certificate on first start when asked.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/gamevisor/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions defaults to TLS 1.3 only.
func versions(cfg config.ServerConfig) (uint16, uint16, error) {
	lo, hi := uint16(tls.VersionTLS13), uint16(tls.VersionTLS13)
	if cfg.TLSMinVersion != "" {
		v, ok := parseTLSVersion(cfg.TLSMinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls_min_version %q", cfg.TLSMinVersion)
		}
		lo = v
	}
	if cfg.TLSMaxVersion != "" {
		v, ok := parseTLSVersion(cfg.TLSMaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls_max_version %q", cfg.TLSMaxVersion)
		}
		hi = v
	}
	if lo > hi {
		return 0, 0, errors.New("tls_min_version is above tls_max_version")
	}
	return lo, hi, nil
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over a
// certificate directory.
func Setup(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}
	lo, hi, err := versions(server)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := t.CertFile, t.KeyFile
	if certPath == "" || keyPath == "" {
		if t.Dir == "" {
			return nil, errors.New("TLS enabled but no certificate configured")
		}
		certPath, keyPath = filepath.Join(t.Dir, tlsCrt), filepath.Join(t.Dir, tlsKey)
		if t.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(t, t.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// load once up front so a bad pair fails at startup
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:     lo,
		MaxVersion:     hi,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading re-reads the pair on each handshake so rotated files are picked
// up without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault[T any](v []T, def []T) []T {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(t *config.TLSConfig, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	ag := config.AutoGenTLS{}
	if t.AutoGen != nil {
		ag = *t.AutoGen
	}
	cn := ag.CommonName
	if cn == "" {
		cn = "localhost"
	}
	org := ag.Organization
	if org == "" {
		org = "gamevisor"
	}
	days := ag.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: org,
		DNSNames:     orDefault(ag.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefault(ag.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, tlsCrt),
		KeyPath:      filepath.Join(dir, tlsKey),
		CACertPath:   filepath.Join(dir, tlsCaCrt),
	})
}
