package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"socks_sentinel/internal/shared/types"
)

// Load builds the effective configuration: defaults, then the ini file (a
// missing file is not an error), then the .env file and process environment.
func Load(iniPath, envPath string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if err := LoadIni(cfg, iniPath); err != nil {
		return nil, err
	}
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
		}
	}
	ApplyEnv(cfg)
	cfg.SourcesConf.URLs = cleanList(cfg.SourcesConf.URLs)
	cfg.SourcesConf.HTMLURLs = cleanList(cfg.SourcesConf.HTMLURLs)
	return cfg, nil
}

// LoadIni maps the ini file onto cfg. Keys absent from the file keep their
// current values.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.LooseLoad(fileName)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", fileName, err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map config file %s: %w", fileName, err)
	}
	return nil
}

// ApplyEnv overrides credentials and paths from the environment. The
// QBITTORRENT_* names match the .env files already in use.
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.QBittorrentConf.Host, "QBITTORRENT_HOST")
	overrideFromEnvInt(&cfg.QBittorrentConf.Port, "QBITTORRENT_PORT")
	overrideFromEnvString(&cfg.QBittorrentConf.Username, "QBITTORRENT_USERNAME")
	overrideFromEnvString(&cfg.QBittorrentConf.Password, "QBITTORRENT_PASSWORD")
	overrideFromEnvString(&cfg.PoolConf.StorePath, "SENTINEL_STORE_PATH")
	overrideFromEnvString(&cfg.LogConf.Level, "SENTINEL_LOG_LEVEL")
}

func overrideFromEnvString(target *string, envName string) {
	if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
