// loader.go handles loading configuration from YAML files with secure
// credential management via environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadFromFile reads and parses a YAML configuration file. `.env` files
// are loaded first (without overriding existing environment), then
// ${VAR} references are expanded before parsing. Returns an error if a
// ${VAR:?msg} pattern has its variable unset.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, starting from defaults and
// overlaying values from the YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	// The top-level groups_dir is authoritative; the sandbox runner
	// carries its own copy.
	cfg.Sandbox.GroupsDir = cfg.GroupsDir
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"sandclaw.yaml",
		"sandclaw.yml",
		"configs/sandclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations. godotenv does
// not overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} patterns with environment values,
// honoring :- defaults and :? required markers.
func expandEnvVars(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg := groups[1], groups[2], groups[3]

		value, set := os.LookupEnv(name)
		if set && value != "" {
			return value
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required but not set"
			}
			missing = append(missing, fmt.Sprintf("%s: %s", name, arg))
			return ""
		default:
			return ""
		}
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variables: %v", missing)
	}
	return out, nil
}
