package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAPIHost   = "0.0.0.0"
	defaultAPIPort   = 8080
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".ethservice" // Will be prefixed with user's home directory
)

// Config holds the application configuration
type Config struct {
	Ethereum  EthereumConfig
	API       APIConfig
	GasOracle GasOracleConfig `mapstructure:"gasoracle"`
	Push      PushConfig
	Log       LogConfig
	Datadir   string
}

// EthereumConfig holds node-related configuration
type EthereumConfig struct {
	URL string `mapstructure:"url"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GasOracleConfig holds the gas price feed configuration
type GasOracleConfig struct {
	URL string `mapstructure:"url"`
}

// PushConfig holds the push gateway configuration. The gateway is optional;
// without it only websocket delivery is available.
type PushConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("ethereum.url", "")
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("gasoracle.url", "")
	v.SetDefault("push.url", "")
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	flag.StringP("ethereum.url", "e", "", "ethereum node JSON-RPC endpoint (required)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.String("gasoracle.url", "", "gas price feed URL (defaults to ethgasstation)")
	flag.String("push.url", "", "push gateway URL for APN/GCM delivery")
	flag.String("push.username", "", "push gateway basic auth username")
	flag.String("push.password", "", "push gateway basic auth password")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ethservice [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, TOSHIETH_ETHEREUM_URL or TOSHIETH_API_PORT\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("TOSHIETH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Ethereum.URL == "" {
		return fmt.Errorf("ethereum node URL is required (use --ethereum.url or TOSHIETH_ETHEREUM_URL)")
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", cfg.API.Port)
	}
	return nil
}
