package subaru

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/subaru.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge SUBARU_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge SUBARU_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SUBARU_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	BuildRoot = cfg.Values["SUBARU_BUILD_ROOT"]
	if BuildRoot == "" {
		BuildRoot = "/var/tmp/subaru/rootfs"
	}

	StateDir = cfg.Values["SUBARU_STATE_DIR"]
	if StateDir == "" {
		StateDir = "/var/lib/subaru"
	}

	CacheDir = cfg.Values["SUBARU_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/subaru"
	}

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	Debug = cfg.Values["SUBARU_DEBUG"] == "1"

	// Retry tuning. The defaults match the documented policy table; the
	// config file exists so operators can loosen them on flaky hardware.
	RetryAttempts = 3
	if v, err := strconv.Atoi(cfg.Values["SUBARU_RETRY_ATTEMPTS"]); err == nil && v > 0 {
		RetryAttempts = v
	}
	RetryDelayMs = 500
	if v, err := strconv.Atoi(cfg.Values["SUBARU_RETRY_DELAY_MS"]); err == nil && v > 0 {
		RetryDelayMs = v
	}

	DiagnosticURL = cfg.Values["SUBARU_DIAGNOSTIC_URL"]

	// R2 artifact upload credentials; upload stays disabled unless the
	// recipe asks for it and these are present.
	r2AccountID = cfg.Values["R2_ACCOUNT_ID"]
	r2AccessKey = cfg.Values["R2_ACCESS_KEY_ID"]
	r2SecretKey = cfg.Values["R2_SECRET_ACCESS_KEY"]
	r2Bucket = cfg.Values["R2_BUCKET_NAME"]

	if mirror, exists := cfg.Values["SUBARU_MIRROR"]; exists && mirror != "" {
		BinaryMirror = strings.TrimRight(mirror, "/")
		debugf("=> Using binary mirror: %s\n", BinaryMirror)
	}

	ReportDir = filepath.Join(StateDir, "reports")
}
