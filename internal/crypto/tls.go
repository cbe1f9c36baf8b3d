package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ALPN is the application protocol negotiated on peer connections.
const ALPN = "mapeo"

// TLSConfig holds TLS configuration derived from a device identity
type TLSConfig struct {
	// Certificate is the self-signed certificate for this device
	Certificate tls.Certificate

	// CertPEM is the PEM-encoded certificate
	CertPEM []byte

	// DeviceID is the device ID carried by the certificate
	DeviceID string
}

// GenerateTLSConfig creates a TLS configuration from an identity.
// The certificate is self-signed with the device's Ed25519 key. Peers are
// authenticated by the public key in their certificate, not by a CA.
func GenerateTLSConfig(identity *Identity) (*TLSConfig, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   identity.Name,
			Organization: []string{"mapeo"},
		},
		NotBefore: identity.CreatedAt.Add(-time.Hour),
		NotAfter:  identity.CreatedAt.Add(100 * 365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,

		IPAddresses: []net.IP{net.IPv4zero, net.IPv6zero},
		DNSNames:    []string{"localhost", "*"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, identity.verifyKey, identity.signingKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	privKeyBytes, err := x509.MarshalPKCS8PrivateKey(identity.signingKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privKeyBytes})
	defer ZeroBytes(keyPEM)
	defer ZeroBytes(privKeyBytes)

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("create TLS certificate: %w", err)
	}

	return &TLSConfig{
		Certificate: tlsCert,
		CertPEM:     certPEM,
		DeviceID:    identity.DeviceID(),
	}, nil
}

// NewServerTLSConfig creates a TLS config for the listening side.
// Client certificates are required and checked by the caller.
func (tc *TLSConfig) NewServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{tc.Certificate},
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := ExtractPublicKeyFromCert(rawCerts)
			return err
		},
	}
}

// NewClientTLSConfig creates a TLS config for the dialing side. When
// expectedDeviceID is empty any device is accepted.
func (tc *TLSConfig) NewClientTLSConfig(expectedDeviceID string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{tc.Certificate},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,

		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return VerifyPeerCertificate(rawCerts, expectedDeviceID)
		},
	}
}

// VerifyPeerCertificate checks that the peer's certificate carries an
// Ed25519 key, and that it belongs to expectedDeviceID when one is given.
func VerifyPeerCertificate(rawCerts [][]byte, expectedDeviceID string) error {
	pubKey, err := ExtractPublicKeyFromCert(rawCerts)
	if err != nil {
		return err
	}
	if expectedDeviceID == "" {
		return nil
	}
	got := DeviceID(pubKey)
	if subtle.ConstantTimeCompare([]byte(got), []byte(expectedDeviceID)) != 1 {
		return fmt.Errorf("peer device mismatch: got %s, expected %s", got[:8], expectedDeviceID[:min(8, len(expectedDeviceID))])
	}
	return nil
}

// ExtractPublicKeyFromCert extracts the Ed25519 public key from a peer's certificate.
func ExtractPublicKeyFromCert(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("no peer certificate provided")
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("parse peer certificate: %w", err)
	}

	pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate does not contain Ed25519 key")
	}

	return pubKey, nil
}
