package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	// agentHostName is the DNS name in the agent's certificate, and the host clients use in agent URLs.
	agentHostName = "workeragent"

	certLifetime = 7 * 24 * time.Hour
)

// KeyPair is a PEM encoded certificate and its private key. KeyPEM is empty for a CA read back from disk.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Certs holds the material for mTLS between hosts and agents: a CA, a server pair the agent presents, and a
// client pair hosts present. Both sides only trust peers signed by the CA.
type Certs struct {
	CA     KeyPair
	Server KeyPair
	Client KeyPair
}

func (c *Certs) caPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CA.CertPEM) {
		return nil, errors.New("no usable CA certificate")
	}
	return pool, nil
}

// ServerTLSConfig is the agent's config. It requires a client certificate signed by the CA.
func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(c.Server.CertPEM, c.Server.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientTLSConfig is the host's config. The agent is verified as agentHostName, whatever address it is dialed at.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(c.Client.CertPEM, c.Client.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		ServerName:   agentHostName,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// issuer signs leaf certificates. A nil issuer self-signs.
type issuer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

func (i *issuer) sign(tmpl *x509.Certificate) (KeyPair, *x509.Certificate, crypto.Signer, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return KeyPair{}, nil, nil, fmt.Errorf("getting random serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = tmpl.NotBefore.Add(certLifetime)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, nil, nil, fmt.Errorf("generating key: %w", err)
	}
	parent, parentKey := tmpl, crypto.Signer(key)
	if i != nil {
		parent, parentKey = i.cert, i.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), parentKey)
	if err != nil {
		return KeyPair{}, nil, nil, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return KeyPair{}, nil, nil, fmt.Errorf("parsing created cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return KeyPair{}, nil, nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, cert, key, nil
}

// GenerateCerts creates a fresh CA with one server and one client certificate. The result holds secrets.
func GenerateCerts() (*Certs, error) {
	caPair, caCert, caKey, err := (*issuer)(nil).sign(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "WorkerRPC CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	ca := &issuer{cert: caCert, key: caKey}

	server, _, _, err := ca.sign(&x509.Certificate{
		Subject:     pkix.Name{CommonName: agentHostName},
		DNSNames:    []string{agentHostName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, _, _, err := ca.sign(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "workerrpc-host"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: caPair, Server: server, Client: client}, nil
}

// File names used by WriteCerts and ReadCerts.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

func (c *Certs) files() map[string]*[]byte {
	return map[string]*[]byte{
		CACertFile:     &c.CA.CertPEM,
		ServerCertFile: &c.Server.CertPEM,
		ServerKeyFile:  &c.Server.KeyPEM,
		ClientCertFile: &c.Client.CertPEM,
		ClientKeyFile:  &c.Client.KeyPEM,
	}
}

// WriteCerts writes the PEM files of certs into dir. The CA key is not written, so no further certificates can be
// issued from the directory.
func WriteCerts(dir string, certs *Certs) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	for name, b := range certs.files() {
		if err := os.WriteFile(filepath.Join(dir, name), *b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// ReadCerts reads the PEM files written by WriteCerts. Missing files are left empty, so a host only needs the CA
// and client files and an agent only needs the CA and server files.
func ReadCerts(dir string) (*Certs, error) {
	certs := &Certs{}
	for name, dst := range certs.files() {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		*dst = b
	}
	if len(certs.CA.CertPEM) == 0 {
		return nil, fmt.Errorf("no CA certificate in %s", dir)
	}
	return certs, nil
}
