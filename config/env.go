package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvDuration parses key as a Go duration such as "1.5s".
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// ApplyEnv overrides c with HARVESTER_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("HARVESTER_OUTPUT_DIR"); ok {
		c.OutputDir = v
	}
	if v, ok := EnvString("HARVESTER_OUTPUT_FORMAT"); ok {
		c.OutputFormat = strings.ToLower(v)
	}
	if v, ok := EnvString("HARVESTER_LOCALE"); ok {
		c.Locale = strings.ToLower(v)
	}
	if v, ok := EnvString("HARVESTER_HISTORY_DSN"); ok {
		c.HistoryDSN = v
	}
	if v, ok := EnvString("HARVESTER_ADB_ADDR"); ok {
		c.Device.ADBAddr = v
	}
	if v, ok := EnvString("HARVESTER_LISTEN_ADDR"); ok {
		c.Server.ListenAddr = v
	}
	if v, ok := EnvString("HARVESTER_METRICS_ADDR"); ok {
		c.Server.MetricsAddr = v
	}

	if v, ok, err := EnvInt("HARVESTER_MAX_RETRIES"); err != nil {
		return err
	} else if ok {
		c.Retry.MaxRetries = v
	}
	if v, ok, err := EnvInt("HARVESTER_MAX_SCROLL_TIMES"); err != nil {
		return err
	} else if ok {
		c.Scroll.MaxScrollTimes = v
	}
	if v, ok, err := EnvDuration("HARVESTER_RETRY_DELAY"); err != nil {
		return err
	} else if ok {
		c.Retry.Delay = v
	}
	if v, ok, err := EnvDuration("HARVESTER_DEFAULT_TIMEOUT"); err != nil {
		return err
	} else if ok {
		c.Timeouts.Default = v
	}
	return nil
}
