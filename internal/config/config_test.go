package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.STUNServers) == 0 {
		t.Fatal("default config has no STUN servers")
	}
	if cfg.NegotiateTimeout != 0 {
		t.Fatalf("default negotiate timeout = %v, want disabled", cfg.NegotiateTimeout)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{STUNServers: []string{"stun:example.net:3478"}},
		},
		{
			name: "valid with timeout",
			cfg: Config{
				STUNServers:      []string{"stun:example.net:3478"},
				NegotiateTimeout: 30 * time.Second,
			},
		},
		{
			name:    "no stun servers",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name: "negative timeout",
			cfg: Config{
				STUNServers:      []string{"stun:example.net:3478"},
				NegotiateTimeout: -time.Second,
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("invalid config passed validation")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("valid config rejected: %v", err)
			}
		})
	}
}

func TestLoadWithoutConfigFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load without config file: %v", err)
	}
	if len(cfg.STUNServers) == 0 {
		t.Fatal("loaded config has no STUN servers")
	}
}
