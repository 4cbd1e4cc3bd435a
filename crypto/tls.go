package crypto

import (
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrInvalidCACertificate indicates a CA file without any PEM certificate.
	ErrInvalidCACertificate = errors.New("crypto: invalid ca certificate")
	// ErrInvalidCertificate indicates an unusable local certificate file.
	ErrInvalidCertificate = errors.New("crypto: invalid certificate")
	// ErrKeyLoadFailed indicates a private key that cannot be decrypted, parsed,
	// or paired with the local certificate.
	ErrKeyLoadFailed = errors.New("crypto: unable to load private key")
	// ErrFileOpenFailed indicates a TLS material file that cannot be read.
	ErrFileOpenFailed = errors.New("crypto: unable to open file")
)

// FileError reports which TLS material file failed and why.
type FileError struct {
	Kind error
	Path string
	Err  error
}

func (e *FileError) Error() string {
	msg := e.Kind.Error() + " " + strconv.Quote(e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FileError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TLSFiles names the TLS material on disk.
type TLSFiles struct {
	CACertificate string
	Certificate   string
	PrivateKey    string
	// Passphrase decrypts PrivateKey when it is encrypted.
	Passphrase string
}

// BuildTLSConfig loads the CA, local certificate chain, and private key into a
// config usable for both listening and dialing. Peers must present a
// certificate chaining to the CA; host names are not checked.
func BuildTLSConfig(files TLSFiles) (*tls.Config, error) {
	pool, err := LoadCertPool(files.CACertificate)
	if err != nil {
		return nil, err
	}

	chain, err := loadCertificateChain(files.Certificate)
	if err != nil {
		return nil, err
	}

	key, err := LoadPrivateKey(files.PrivateKey, files.Passphrase)
	if err != nil {
		return nil, err
	}

	if !publicKeysEqual(chain[0].PublicKey, key.Public()) {
		return nil, &FileError{Kind: ErrKeyLoadFailed, Path: files.PrivateKey, Err: errors.New("private key does not match certificate")}
	}

	certificate := tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, cert := range chain {
		certificate.Certificate = append(certificate.Certificate, cert.Raw)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAnyClientCert,
		// LAN peers are addressed by IP; VerifyPeerCertificate checks the
		// chain against the CA instead of the host name.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: VerifyPeerChain(pool),
	}, nil
}

// LoadCertPool reads a PEM file that must contain at least one certificate.
func LoadCertPool(path string) (*x509.CertPool, error) {
	certs, err := readCertificates(path)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, &FileError{Kind: ErrInvalidCACertificate, Path: path, Err: errors.New("no certificate found")}
	}

	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}

// LoadPrivateKey parses a PEM or OpenSSH private key, decrypting it with
// passphrase when the key is encrypted.
func LoadPrivateKey(path, passphrase string) (stdcrypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Kind: ErrFileOpenFailed, Path: path, Err: err}
	}

	parsed, err := ssh.ParseRawPrivateKey(raw)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, &FileError{Kind: ErrKeyLoadFailed, Path: path, Err: errors.New("key is encrypted and no passphrase is configured")}
		}
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(raw, []byte(passphrase))
	}
	if err != nil {
		return nil, &FileError{Kind: ErrKeyLoadFailed, Path: path, Err: err}
	}

	switch key := parsed.(type) {
	case *ed25519.PrivateKey:
		return *key, nil
	case stdcrypto.Signer:
		return key, nil
	default:
		return nil, &FileError{Kind: ErrKeyLoadFailed, Path: path, Err: fmt.Errorf("unsupported key type %T", parsed)}
	}
}

// VerifyPeerChain returns a tls.Config.VerifyPeerCertificate callback that
// accepts a peer only if its leaf chains to a certificate in pool.
func VerifyPeerChain(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return fmt.Errorf("verify peer certificate: %w", err)
		}
		return nil
	}
}

func loadCertificateChain(path string) ([]*x509.Certificate, error) {
	certs, err := readCertificates(path)
	if err != nil {
		var fileErr *FileError
		if errors.As(err, &fileErr) && errors.Is(fileErr.Kind, ErrInvalidCACertificate) {
			fileErr.Kind = ErrInvalidCertificate
		}
		return nil, err
	}
	if len(certs) == 0 {
		return nil, &FileError{Kind: ErrInvalidCertificate, Path: path, Err: errors.New("no certificate found")}
	}
	return certs, nil
}

// readCertificates returns every CERTIFICATE block in a PEM file. Parse
// failures are reported as ErrInvalidCACertificate; callers loading a leaf
// chain rewrite the kind.
func readCertificates(path string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Kind: ErrFileOpenFailed, Path: path, Err: err}
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != certificatePEMType {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &FileError{Kind: ErrInvalidCACertificate, Path: path, Err: err}
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func publicKeysEqual(a, b stdcrypto.PublicKey) bool {
	key, ok := a.(interface{ Equal(stdcrypto.PublicKey) bool })
	return ok && key.Equal(b)
}
