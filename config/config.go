package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GenesisAccount prefunds an address when the node starts with a fresh data
// directory. Amounts are decimal strings in the smallest currency unit.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress         string           `toml:"RPCAddress"`
	GatewayAddress     string           `toml:"GatewayAddress"`
	DataDir            string           `toml:"DataDir"`
	ProjectionPath     string           `toml:"ProjectionPath"`
	Environment        string           `toml:"Environment"`
	AllowCreatorSubmit bool             `toml:"AllowCreatorSubmit"`
	GenesisAccounts    []GenesisAccount `toml:"GenesisAccounts"`
}

// Load loads the configuration from the given path, writing defaults when the
// file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		cfg.GatewayAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if strings.TrimSpace(cfg.ProjectionPath) == "" {
		cfg.ProjectionPath = filepath.Join(cfg.DataDir, "projection.db")
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

// Validate rejects configurations the node cannot start with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	for i, acc := range cfg.GenesisAccounts {
		trimmed := strings.TrimPrefix(strings.TrimSpace(acc.Address), "0x")
		if len(trimmed) != 40 {
			return fmt.Errorf("config: genesis account %d has invalid address", i)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acc.Balance), 10)
		if !ok || balance.Sign() <= 0 {
			return fmt.Errorf("config: genesis account %d has invalid balance", i)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{AllowCreatorSubmit: true}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
