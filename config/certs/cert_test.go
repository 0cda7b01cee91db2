package certs

import (
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateCerts(dir))

	serverConf, err := LoadServerTLSConfig(
		filepath.Join(dir, CACertFile),
		filepath.Join(dir, ServerCertFile),
		filepath.Join(dir, ServerKeyFile),
	)
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, serverConf.ClientAuth)
	require.Len(t, serverConf.Certificates, 1)

	clientConf, err := LoadClientTLSConfig(
		filepath.Join(dir, CACertFile),
		filepath.Join(dir, ClientCertFile),
		filepath.Join(dir, ClientKeyFile),
		"localhost",
	)
	require.NoError(t, err)
	require.Equal(t, "localhost", clientConf.ServerName)
	require.NotNil(t, clientConf.RootCAs)
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerTLSConfig(filepath.Join(dir, "ca"), filepath.Join(dir, "c"), filepath.Join(dir, "k"))
	require.Error(t, err)
}
