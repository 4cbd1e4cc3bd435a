package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	ecPrivatePEMType   = "EC PRIVATE KEY"

	defaultCAValidity     = 10 * 365 * 24 * time.Hour
	defaultDeviceValidity = 2 * 365 * 24 * time.Hour
)

// KeyPair is a certificate with its ECDSA private key.
type KeyPair struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// GenerateCA creates a self-signed P-256 certificate authority shared by all
// devices allowed to exchange transfers.
func GenerateCA(commonName string) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	template, err := certificateTemplate(commonName, defaultCAValidity)
	if err != nil {
		return nil, err
	}
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature

	return createKeyPair(template, template, &key.PublicKey, key, key)
}

// IssueDeviceCertificate signs a certificate for one device, valid for both
// client and server authentication.
func IssueDeviceCertificate(ca *KeyPair, deviceName string, hosts ...string) (*KeyPair, error) {
	if ca == nil || ca.Certificate == nil || ca.PrivateKey == nil {
		return nil, errors.New("issue device certificate: CA is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	template, err := certificateTemplate(deviceName, defaultDeviceValidity)
	if err != nil {
		return nil, err
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if host != "" {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	return createKeyPair(template, ca.Certificate, &key.PublicKey, key, ca.PrivateKey)
}

// Save writes the certificate and private key PEM files. When passphrase is
// non-empty the key is written encrypted.
func (k *KeyPair) Save(certPath, keyPath, passphrase string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: k.Certificate.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(k.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: ecPrivatePEMType, Bytes: der}
	if passphrase != "" {
		//nolint:staticcheck // legacy PEM encryption
		block, err = x509.EncryptPEMBlock(rand.Reader, ecPrivatePEMType, der, []byte(passphrase), x509.PEMCipherAES256)
		if err != nil {
			return fmt.Errorf("encrypt private key: %w", err)
		}
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a certificate and private key written by Save.
func LoadKeyPair(certPath, keyPath, passphrase string) (*KeyPair, error) {
	certs, err := readCertificates(certPath)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, &FileError{Kind: ErrInvalidCertificate, Path: certPath, Err: errors.New("no certificate found")}
	}

	signer, err := LoadPrivateKey(keyPath, passphrase)
	if err != nil {
		return nil, err
	}
	key, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, &FileError{Kind: ErrKeyLoadFailed, Path: keyPath, Err: fmt.Errorf("expected ECDSA key, got %T", signer)}
	}
	if !publicKeysEqual(certs[0].PublicKey, key.Public()) {
		return nil, &FileError{Kind: ErrKeyLoadFailed, Path: keyPath, Err: errors.New("private key does not match certificate")}
	}
	return &KeyPair{Certificate: certs[0], PrivateKey: key}, nil
}

// CertificateFingerprint returns the truncated SHA-256 hex fingerprint of a
// certificate.
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

func certificateTemplate(commonName string, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"lanxfer"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
	}, nil
}

func createKeyPair(template, parent *x509.Certificate, public *ecdsa.PublicKey, private, signer *ecdsa.PrivateKey) (*KeyPair, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, public, signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &KeyPair{Certificate: cert, PrivateKey: private}, nil
}
