package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"collectionvault/crypto"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	Environment    string `toml:"Environment"`

	// AdminAddress gates the registry and updater rotation endpoints.
	AdminAddress string `toml:"AdminAddress"`
	// UpdaterAddress is the authority whose signatures authenticate
	// balance-update batches.
	UpdaterAddress string `toml:"UpdaterAddress"`
	// APIToken is the bearer token required on admin HTTP endpoints.
	APIToken string `toml:"APIToken"`

	MaxSnapshots int `toml:"MaxSnapshots"`
	// MaxBoost is the boost multiplier cap in 1e18 fixed point, as a
	// decimal string.
	MaxBoost string `toml:"MaxBoost"`
	// VaultTotalAssets and VaultRewardRate seed the in-process vault when
	// no external yield source is wired.
	VaultTotalAssets string `toml:"VaultTotalAssets"`
	VaultRewardRate  string `toml:"VaultRewardRate"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./vault-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "cv-local"
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = 50
	}
	if strings.TrimSpace(c.MaxBoost) == "" {
		c.MaxBoost = "9000000000000000000"
	}
	if strings.TrimSpace(c.VaultTotalAssets) == "" {
		c.VaultTotalAssets = "0"
	}
	if strings.TrimSpace(c.VaultRewardRate) == "" {
		c.VaultRewardRate = "0"
	}
}

// Validate checks the loaded configuration for inconsistencies before the
// daemon starts.
func (c *Config) Validate() error {
	if _, err := crypto.DecodeAddress(c.AdminAddress); err != nil {
		return fmt.Errorf("config: invalid AdminAddress: %w", err)
	}
	if _, err := crypto.DecodeAddress(c.UpdaterAddress); err != nil {
		return fmt.Errorf("config: invalid UpdaterAddress: %w", err)
	}
	if strings.TrimSpace(c.APIToken) == "" {
		return fmt.Errorf("config: APIToken is required")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"MaxBoost", c.MaxBoost},
		{"VaultTotalAssets", c.VaultTotalAssets},
		{"VaultRewardRate", c.VaultRewardRate},
	} {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(field.value), 10)
		if !ok || amount.Sign() < 0 {
			return fmt.Errorf("config: %s must be a non-negative integer, got %q", field.name, field.value)
		}
	}
	return nil
}

// Admin returns the decoded admin address. Validate must have succeeded.
func (c *Config) Admin() crypto.Address {
	addr, _ := crypto.DecodeAddress(c.AdminAddress)
	return addr
}

// Updater returns the decoded updater address. Validate must have succeeded.
func (c *Config) Updater() crypto.Address {
	addr, _ := crypto.DecodeAddress(c.UpdaterAddress)
	return addr
}

// BigInt parses one of the decimal string fields; it panics on malformed
// input, so call Validate first.
func (c *Config) BigInt(value string) *big.Int {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		panic(fmt.Sprintf("config: malformed integer %q", value))
	}
	return amount
}

// createDefault creates and saves a default configuration file. A fresh
// admin and updater key are generated so the daemon can start, with their
// addresses written into the file.
func createDefault(path string) (*Config, error) {
	adminKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	updaterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AdminAddress:   adminKey.PubKey().Address().String(),
		UpdaterAddress: updaterKey.PubKey().Address().String(),
		APIToken:       "change-me",
	}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
