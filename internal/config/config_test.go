package config

import (
	"reflect"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Storage:                  "postgres",
		DatabaseURL:              "postgres://localhost/oppforge",
		DBMinConns:               1,
		DBMaxConns:               4,
		SimilarityThreshold:      0.82,
		SimilarityTieEpsilon:     0.02,
		SimilarityTitleWeight:    0.75,
		CentroidDecay:            0.85,
		ClusterWindowDays:        30,
		FingerprintRetentionDays: 90,
		OracleProvider:           "http",
		OracleTimeout:            1,
		OracleMaxAttempts:        5,
		IngestWorkers:            2,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "memory storage needs no database", mutate: func(c *Config) { c.Storage = "memory"; c.DatabaseURL = "" }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "sqlite" }, wantErr: "STORAGE"},
		{name: "min above max", mutate: func(c *Config) { c.DBMinConns = 9 }, wantErr: "DB_MIN_CONNS"},
		{name: "threshold out of range", mutate: func(c *Config) { c.SimilarityThreshold = 1.5 }, wantErr: "SIMILARITY_THRESHOLD"},
		{name: "retention shorter than window", mutate: func(c *Config) { c.FingerprintRetentionDays = 7 }, wantErr: "FINGERPRINT_RETENTION_DAYS"},
		{name: "unknown oracle", mutate: func(c *Config) { c.OracleProvider = "magic" }, wantErr: "ORACLE_PROVIDER"},
		{name: "admin password without email", mutate: func(c *Config) { c.DefaultAdminPassword = "x" }, wantErr: "DEFAULT_ADMIN_EMAIL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestCORSOriginsListDedupes(t *testing.T) {
	cfg := &Config{CORSOrigins: " http://a.test ,http://b.test,,http://a.test"}
	got := cfg.CORSOriginsList()
	want := []string{"http://a.test", "http://b.test"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CORSOriginsList() = %v, want %v", got, want)
	}
}
