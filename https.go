package sofie

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/sofie-web/sofie/settings"
)

const (
	selfSignedCert = "localhost.crt"
	selfSignedKey  = "localhost.key"
)

func loadTLSConfig(cert, key string) (*tls.Config, error) {
	certificate, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// autoTLSConfig generates a self-signed certificate when listening on localhost. Otherwise,
// certificates are obtained from Let's Encrypt for the configured domains.
func autoTLSConfig(s settings.Settings, log *zap.Logger) (*tls.Config, error) {
	cache := s.AutoTLS.CacheDir
	if len(cache) == 0 {
		cache = cacheDir()
	}

	if s.IsLocalhost() {
		cert, key, err := generateSelfSignedCert(cache)
		if err != nil {
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}

		return loadTLSConfig(cert, key)
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
	}

	if len(s.AutoTLS.Domains) > 0 {
		m.HostPolicy = autocert.HostWhitelist(s.AutoTLS.Domains...)
	}

	if err := mkdirIfNotExists(cache); err != nil {
		log.Warn("auto TLS: not using a cache", zap.Error(err))
	} else {
		m.Cache = autocert.DirCache(cache)
	}

	return m.TLSConfig(), nil
}

func cacheDir() string {
	const base = "sofie-autocert"

	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, base)
	}

	return filepath.Join(os.TempDir(), base)
}

// generateSelfSignedCert creates a certificate for localhost in the cache directory, unless
// it's already there. Paths to PEM-encoded certificate and key are returned.
func generateSelfSignedCert(cache string) (cert, key string, err error) {
	var (
		certFilename = filepath.Join(cache, selfSignedCert)
		keyFilename  = filepath.Join(cache, selfSignedKey)
	)

	if certExists(certFilename, keyFilename) {
		return certFilename, keyFilename, nil
	}

	if err := mkdirIfNotExists(cache); err != nil {
		return "", "", err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(10 * 365 * 24 * time.Hour) // 10 years validity

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Localhost"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", err
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}

	if err = writePEM(certFilename, "CERTIFICATE", certDER, 0644); err != nil {
		return "", "", err
	}

	if err = writePEM(keyFilename, "PRIVATE KEY", privBytes, 0600); err != nil {
		return "", "", err
	}

	return certFilename, keyFilename, nil
}

func writePEM(filename, blockType string, data []byte, perm os.FileMode) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if err = pem.Encode(file, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		_ = file.Close()
		return err
	}

	return file.Close()
}

func mkdirIfNotExists(dir string) error {
	if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
		return nil
	}

	return os.MkdirAll(dir, 0700)
}

func certExists(cert, key string) bool {
	return fileExists(cert) && fileExists(key)
}

func fileExists(filename string) bool {
	stat, err := os.Stat(filename)

	return err == nil && !stat.IsDir()
}
