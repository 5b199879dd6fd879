package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gamevisor/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := t.TempDir()
	srv := config.ServerConfig{TLS: &config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		AutoGen:      &config.AutoGenTLS{CommonName: "panel.local", DNSNames: []string{"panel.local"}},
	}}
	c, err := Setup(srv)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "panel.local", leaf.Subject.CommonName)
	assert.Equal(t, []string{"panel.local"}, leaf.DNSNames)

	// an existing pair is reused
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(srv)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cc := CertConfig{CommonName: "x", Organization: "o", NotAfter: time.Now().AddDate(0, 0, 1), CertPath: filepath.Join(dir, "a.crt"), KeyPath: filepath.Join(dir, "a.key")}
	require.NoError(t, GenerateSelfSignedCert(cc))

	c, err := Setup(config.ServerConfig{
		TLS:           &config.TLSConfig{Enabled: true, CertFile: cc.CertPath, KeyFile: cc.KeyPath},
		TLSMinVersion: "1.2",
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	assert.Error(t, err)

	_, err = Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, Dir: t.TempDir()}})
	assert.Error(t, err, "missing files without auto_generate")

	_, err = Setup(config.ServerConfig{
		TLS:           &config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true},
		TLSMinVersion: "1.3", TLSMaxVersion: "1.2",
	})
	assert.Error(t, err)
}
