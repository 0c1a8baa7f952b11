package keys

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cerrors "connecto/errors"
)

func TestGenerateEd25519PublicKeyFormat(t *testing.T) {
	pair, err := Generate(Ed25519, "alice@laptop")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	fields := strings.Fields(pair.PublicKey)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields in public key, got %q", pair.PublicKey)
	}
	if fields[0] != "ssh-ed25519" {
		t.Fatalf("unexpected key type %q", fields[0])
	}
	if fields[2] != "alice@laptop" {
		t.Fatalf("unexpected comment %q", fields[2])
	}
	if !strings.Contains(pair.PrivateKey, "BEGIN OPENSSH PRIVATE KEY") {
		t.Fatalf("private key is not OpenSSH PEM")
	}
	if pair.Algorithm != Ed25519 || pair.Comment != "alice@laptop" {
		t.Fatalf("unexpected metadata %+v", pair)
	}
}

func TestGenerateRSA(t *testing.T) {
	if testing.Short() {
		t.Skip("rsa-4096 generation is slow")
	}
	pair, err := Generate(RSA4096, "rsa-test")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.HasPrefix(pair.PublicKey, "ssh-rsa ") {
		t.Fatalf("expected ssh-rsa key, got %q", pair.PublicKey)
	}
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := Generate(Ed25519, "a")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate(Ed25519, "a")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if a.PublicKey == b.PublicKey {
		t.Fatalf("expected two generations to differ")
	}
}

func TestLoadFromFileRoundTrip(t *testing.T) {
	m := WithDir(t.TempDir())
	pair, err := Generate(Ed25519, "roundtrip")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	privatePath, publicPath, err := m.SaveKeyPair(pair, "connecto_key")
	if err != nil {
		t.Fatalf("SaveKeyPair failed: %v", err)
	}

	info, err := os.Stat(privatePath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private key mode 0600, got %o", info.Mode().Perm())
	}
	if _, err := os.Stat(publicPath); err != nil {
		t.Fatalf("stat public key: %v", err)
	}

	loaded, err := LoadFromFile(privatePath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.PublicKey != pair.PublicKey {
		t.Fatalf("public key mismatch:\n got %q\nwant %q", loaded.PublicKey, pair.PublicKey)
	}
	if loaded.Comment != "roundtrip" {
		t.Fatalf("unexpected comment %q", loaded.Comment)
	}
	if loaded.Algorithm != Ed25519 {
		t.Fatalf("unexpected algorithm %s", loaded.Algorithm)
	}
}

func TestLoadFromFileDerivesMissingPublicKey(t *testing.T) {
	m := WithDir(t.TempDir())
	pair, err := Generate(Ed25519, "derived")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	privatePath, publicPath, err := m.SaveKeyPair(pair, "id_test")
	if err != nil {
		t.Fatalf("SaveKeyPair failed: %v", err)
	}
	if err := os.Remove(publicPath); err != nil {
		t.Fatalf("remove public key: %v", err)
	}

	loaded, err := LoadFromFile(privatePath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	wantData, _ := KeyData(pair.PublicKey)
	gotData, _ := KeyData(loaded.PublicKey)
	if gotData != wantData {
		t.Fatalf("derived key data mismatch")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatalf("expected error for missing key")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist in chain, got %v", err)
	}
	if !cerrors.IsCode(err, cerrors.ErrIO) {
		t.Fatalf("expected IO code, got %q", cerrors.CodeOf(err))
	}
}

func TestLoadFromFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadFromFile(path)
	if !cerrors.IsCode(err, cerrors.ErrKeyParsing) {
		t.Fatalf("expected KEY_PARSING, got %v", err)
	}
}

func TestEnsureIsStable(t *testing.T) {
	m := WithDir(t.TempDir())

	first, firstPath, err := Ensure(m, "connecto_sync_laptop", Ed25519, "sync")
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	second, secondPath, err := Ensure(m, "connecto_sync_laptop", Ed25519, "sync")
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}

	if firstPath != secondPath {
		t.Fatalf("expected stable path, got %q and %q", firstPath, secondPath)
	}
	if first.PublicKey != second.PublicKey {
		t.Fatalf("expected stable public key across runs")
	}
}

func TestParsePublicKey(t *testing.T) {
	pair, err := Generate(Ed25519, "parse me")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	key, comment, err := ParsePublicKey(pair.PublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if key.Type() != "ssh-ed25519" {
		t.Fatalf("unexpected type %q", key.Type())
	}
	if comment != "parse me" {
		t.Fatalf("unexpected comment %q", comment)
	}

	bad := []string{
		"",
		"ssh-ed25519",
		"ssh-ed25519 !!!notbase64!!!",
		pair.PublicKey + "\n" + pair.PublicKey,
		`no-pty,command="/bin/sh" ` + pair.PublicKey,
	}
	for _, bad := range bad {
		if _, _, err := ParsePublicKey(bad); !cerrors.IsCode(err, cerrors.ErrKeyParsing) {
			t.Fatalf("expected KEY_PARSING for %q, got %v", bad, err)
		}
	}
}

func TestFingerprint(t *testing.T) {
	pair, err := Generate(Ed25519, "fp")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	fp := Fingerprint(pair.PublicKey)
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if Fingerprint(pair.PublicKey) != fp {
		t.Fatalf("fingerprint not deterministic")
	}
	if Fingerprint("garbage") != "" {
		t.Fatalf("expected empty fingerprint for invalid key")
	}
}
