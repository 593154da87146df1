package redisutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDialPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := Dial(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "debench:ping", "1", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := srv.Get("debench:ping"); got != "1" {
		t.Fatalf("value not written through client: %q", got)
	}
}

func TestDialUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	if _, err := Dial(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected connect error for closed server")
	}
}

func TestDialBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "http://not-redis"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTLSSettingsFromEnv(t *testing.T) {
	if !TLSSettingsFromEnv().Empty() {
		t.Fatalf("expected empty settings without env")
	}
	t.Setenv(envTLSServerName, " redis.bench.internal ")
	t.Setenv(envTLSInsecure, "on")
	s := TLSSettingsFromEnv()
	if s.ServerName != "redis.bench.internal" || !s.Insecure {
		t.Fatalf("unexpected settings %+v", s)
	}
	opts, err := ParseOptions("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.DB != 2 || opts.TLSConfig == nil || opts.TLSConfig.ServerName != "redis.bench.internal" {
		t.Fatalf("unexpected options db=%d tls=%+v", opts.DB, opts.TLSConfig)
	}
}

func TestApplyCertificates(t *testing.T) {
	certPath, keyPath := writeCertPair(t)
	cfg, err := TLSSettings{CAPath: certPath, CertPath: certPath, KeyPath: keyPath}.Apply(nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected CA pool and client certificate")
	}
	if _, err := (TLSSettings{CertPath: certPath}).Apply(nil); err == nil {
		t.Fatalf("expected error when key is missing")
	}
	if _, err := (TLSSettings{CAPath: filepath.Join(t.TempDir(), "missing.pem")}).Apply(nil); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
}

func TestNewClientClusterMode(t *testing.T) {
	t.Setenv(envClusterAddrs, "10.1.0.1:6379,10.1.0.2:6379\n10.1.0.3:6379")
	client, err := NewClient("redis://localhost:6379")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	if _, ok := client.(*redis.ClusterClient); !ok {
		t.Fatalf("expected cluster client, got %T", client)
	}
	if got := splitAddrs(" a:1\tb:2 "); len(got) != 2 || got[1] != "b:2" {
		t.Fatalf("split = %v", got)
	}
}

func writeCertPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "debench-test"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "redis.crt")
	keyPath := filepath.Join(dir, "redis.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
