// Package redisutil builds Redis clients shared by the lock backend and the
// deployment pool store.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "DEBENCH_REDIS_TLS_CA"
	envTLSCert       = "DEBENCH_REDIS_TLS_CERT"
	envTLSKey        = "DEBENCH_REDIS_TLS_KEY"
	envTLSInsecure   = "DEBENCH_REDIS_TLS_INSECURE"
	envTLSServerName = "DEBENCH_REDIS_TLS_SERVER_NAME"
	envClusterAddrs  = "DEBENCH_REDIS_CLUSTER_ADDRESSES"
)

// TLSSettings are the TLS knobs read from the environment.
type TLSSettings struct {
	CAPath     string
	CertPath   string
	KeyPath    string
	ServerName string
	Insecure   bool
}

// Empty reports whether no TLS setting was provided.
func (s TLSSettings) Empty() bool {
	return s.CAPath == "" && s.CertPath == "" && s.KeyPath == "" && s.ServerName == "" && !s.Insecure
}

// TLSSettingsFromEnv reads DEBENCH_REDIS_TLS_* variables.
func TLSSettingsFromEnv() TLSSettings {
	return TLSSettings{
		CAPath:     strings.TrimSpace(os.Getenv(envTLSCA)),
		CertPath:   strings.TrimSpace(os.Getenv(envTLSCert)),
		KeyPath:    strings.TrimSpace(os.Getenv(envTLSKey)),
		ServerName: strings.TrimSpace(os.Getenv(envTLSServerName)),
		Insecure:   parseBool(os.Getenv(envTLSInsecure)),
	}
}

// NewClient creates a Redis universal client; DEBENCH_REDIS_CLUSTER_ADDRESSES
// switches it to cluster mode.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := splitAddrs(os.Getenv(envClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// dialTimeout bounds the connectivity check in Dial.
const dialTimeout = 2 * time.Second

// Dial builds a client for url and pings it. The client is closed again when
// the server does not answer.
func Dial(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// ParseOptions parses a Redis URL and layers environment TLS settings on top.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	cfg, err := TLSSettingsFromEnv().Apply(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = cfg
	return opts, nil
}

// Apply merges the settings into base. It returns base untouched when empty.
func (s TLSSettings) Apply(base *tls.Config) (*tls.Config, error) {
	if s.Empty() {
		return base, nil
	}
	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	if s.Insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- operator opt-in for test infrastructure
	}
	if s.CAPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(s.CAPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", s.CAPath)
		}
		cfg.RootCAs = pool
	}
	if s.CertPath != "" || s.KeyPath != "" {
		if s.CertPath == "" || s.KeyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitAddrs(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
