// secrets.go provides secure credential storage using the operating
// system's native keyring (Linux: Secret Service, macOS: Keychain,
// Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (SANDCLAW_QUO_API_KEY, etc.)
//  3. .env file (loaded by godotenv)
//  4. config file value (least secure, plaintext on disk)
package config

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "sandclaw"

	keyQuoAPIKey    = "quo_api_key"
	keyDiscordToken = "discord_token"
	keyCRMToken     = "crm_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty
// string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// resolveSecrets fills empty credential fields from the keyring and
// environment, in that order. Values already present in the config
// (including ones expanded from ${VAR} references) win.
func resolveSecrets(cfg *Config) {
	if cfg.Channels.Quo.APIKey == "" {
		cfg.Channels.Quo.APIKey = firstNonEmpty(
			GetKeyring(keyQuoAPIKey),
			os.Getenv("SANDCLAW_QUO_API_KEY"),
		)
	}
	if cfg.Channels.Discord.Token == "" {
		cfg.Channels.Discord.Token = firstNonEmpty(
			GetKeyring(keyDiscordToken),
			os.Getenv("SANDCLAW_DISCORD_TOKEN"),
		)
	}
	if cfg.Bridge.CRMToken == "" {
		cfg.Bridge.CRMToken = firstNonEmpty(
			GetKeyring(keyCRMToken),
			os.Getenv("SANDCLAW_CRM_TOKEN"),
		)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
