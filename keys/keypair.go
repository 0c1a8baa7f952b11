package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	cerrors "connecto/errors"
)

// Algorithm selects the key type produced by Generate.
type Algorithm int

const (
	// Ed25519 is the default algorithm.
	Ed25519 Algorithm = iota
	// RSA4096 is a 4096-bit RSA key.
	RSA4096
)

const rsaBits = 4096

func (a Algorithm) String() string {
	switch a {
	case Ed25519:
		return "Ed25519"
	case RSA4096:
		return "RSA-4096"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// KeyPair is an OpenSSH key pair. PublicKey is a single authorized_keys line
// "<type> <base64> <comment>"; PrivateKey is the OpenSSH PEM text.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
	Algorithm  Algorithm
	Comment    string
}

// Generate creates a fresh key pair.
func Generate(alg Algorithm, comment string) (KeyPair, error) {
	var (
		private any
		public  any
	)

	switch alg {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyPair{}, cerrors.Wrap(err, cerrors.ErrKeyGeneration, "Failed to generate Ed25519 key")
		}
		private, public = priv, pub
	case RSA4096:
		priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return KeyPair{}, cerrors.Wrap(err, cerrors.ErrKeyGeneration, "Failed to generate RSA key")
		}
		private, public = priv, &priv.PublicKey
	default:
		return KeyPair{}, cerrors.Newf(cerrors.ErrKeyGeneration, "Unsupported key algorithm %s", alg)
	}

	block, err := ssh.MarshalPrivateKey(private, comment)
	if err != nil {
		return KeyPair{}, cerrors.Wrap(err, cerrors.ErrKeyGeneration, "Failed to encode private key")
	}
	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return KeyPair{}, cerrors.Wrap(err, cerrors.ErrKeyGeneration, "Failed to encode public key")
	}

	return KeyPair{
		PrivateKey: string(pem.EncodeToMemory(block)),
		PublicKey:  authorizedLine(sshPublic, comment),
		Algorithm:  alg,
		Comment:    comment,
	}, nil
}

// LoadFromFile reads an OpenSSH private key at path and its public half at
// path+".pub". When the .pub file is missing the public key is derived from
// the private key and the comment is empty.
func LoadFromFile(path string) (KeyPair, error) {
	rawPrivate, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, cerrors.WrapWithCode(err, cerrors.ErrIO,
			fmt.Sprintf("Failed to read private key: %s", path),
			"Check that the file exists and is readable")
	}

	parsed, err := ssh.ParseRawPrivateKey(rawPrivate)
	if err != nil {
		return KeyPair{}, cerrors.WrapWithCode(err, cerrors.ErrKeyParsing,
			fmt.Sprintf("Failed to parse private key: %s", path),
			"Passphrase-protected keys are not supported")
	}

	alg, err := algorithmOf(parsed)
	if err != nil {
		return KeyPair{}, err
	}

	pair := KeyPair{
		PrivateKey: string(rawPrivate),
		Algorithm:  alg,
	}

	rawPublic, err := os.ReadFile(path + ".pub")
	switch {
	case err == nil:
		sshPublic, comment, _, _, parseErr := ssh.ParseAuthorizedKey(rawPublic)
		if parseErr != nil {
			return KeyPair{}, cerrors.Wrap(parseErr, cerrors.ErrKeyParsing,
				fmt.Sprintf("Failed to parse public key: %s.pub", path))
		}
		pair.Comment = comment
		pair.PublicKey = authorizedLine(sshPublic, comment)
	case errors.Is(err, fs.ErrNotExist):
		signer, signerErr := ssh.NewSignerFromKey(parsed)
		if signerErr != nil {
			return KeyPair{}, cerrors.Wrap(signerErr, cerrors.ErrKeyParsing, "Failed to derive public key")
		}
		pair.PublicKey = authorizedLine(signer.PublicKey(), "")
	default:
		return KeyPair{}, cerrors.Wrap(err, cerrors.ErrIO, fmt.Sprintf("Failed to read public key: %s.pub", path))
	}

	return pair, nil
}

// Ensure loads the key pair stored at dir/name, generating and saving one on
// first use.
func Ensure(m *Manager, name string, alg Algorithm, comment string) (KeyPair, string, error) {
	privatePath := m.KeyPath(name)

	pair, err := LoadFromFile(privatePath)
	if err == nil {
		return pair, privatePath, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return KeyPair{}, "", err
	}

	pair, err = Generate(alg, comment)
	if err != nil {
		return KeyPair{}, "", err
	}
	if _, _, err := m.SaveKeyPair(pair, name); err != nil {
		return KeyPair{}, "", err
	}
	return pair, privatePath, nil
}

// ParsePublicKey validates a single authorized_keys line without options and
// returns the parsed key and its comment.
func ParsePublicKey(line string) (ssh.PublicKey, string, error) {
	if len(strings.Fields(line)) < 2 {
		return nil, "", cerrors.New(cerrors.ErrKeyParsing, "Invalid public key format", "Expected \"<type> <base64> [comment]\"")
	}
	if strings.ContainsAny(line, "\r\n") {
		return nil, "", cerrors.New(cerrors.ErrKeyParsing, "Invalid public key format", "A public key must be a single line")
	}
	key, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, "", cerrors.Wrap(err, cerrors.ErrKeyParsing, "Invalid public key")
	}
	if len(options) > 0 {
		return nil, "", cerrors.New(cerrors.ErrKeyParsing, "Public key carries authorized_keys options",
			"Send a bare \"<type> <base64> [comment]\" line")
	}
	return key, comment, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line, or
// "" if the line does not parse.
func Fingerprint(line string) string {
	key, _, err := ParsePublicKey(line)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(key)
}

// KeyData returns the base64 field of an authorized_keys line.
func KeyData(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

func authorizedLine(key ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if comment = strings.TrimSpace(comment); comment != "" {
		line += " " + comment
	}
	return line
}

func algorithmOf(key any) (Algorithm, error) {
	switch key.(type) {
	case *ed25519.PrivateKey, ed25519.PrivateKey:
		return Ed25519, nil
	case *rsa.PrivateKey:
		return RSA4096, nil
	default:
		return 0, cerrors.Newf(cerrors.ErrKeyParsing, "Unsupported private key type %T", key)
	}
}
