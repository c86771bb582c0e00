package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"southwinds.dev/tokenvault"
	"southwinds.dev/tokenvault/persist"
)

// buildOptions assembles subsystem options from viper. Secrets come from
// the environment only, never from the config file.
func buildOptions() (tokenvault.Options, error) {
	secrets := tokenvault.Config{
		PrimarySecret:   os.Getenv("TOKENVAULT_ENCRYPTION_KEY"),
		FallbackSecrets: map[int]string{},
		CurrentVersion:  viper.GetString("key_version"),
		Iterations:      viper.GetInt("iterations"),
	}
	for i := 2; i <= 10; i++ {
		if v := os.Getenv(fmt.Sprintf("TOKENVAULT_ENCRYPTION_KEY_V%d", i)); v != "" {
			secrets.FallbackSecrets[i] = v
		}
	}
	if secrets.PrimarySecret == "" {
		return tokenvault.Options{}, fmt.Errorf("TOKENVAULT_ENCRYPTION_KEY environment variable is required")
	}

	storeCfg, err := buildStoreConfig()
	if err != nil {
		return tokenvault.Options{}, err
	}

	return tokenvault.Options{
		Secrets: secrets,
		Store:   storeCfg,
		Audit:   auditConfigFromViper(),
	}, nil
}

func buildStoreConfig() (persist.StoreConfig, error) {
	storeType := persist.StoreType(viper.GetString("store_type"))
	switch storeType {
	case persist.StoreTypeFileSystem, "":
		return persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Config: map[string]interface{}{
				"envelope_path": viper.GetString("envelope_path"),
			},
		}, nil
	case persist.StoreTypeS3:
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          viper.GetString("s3.endpoint"),
				"region":            viper.GetString("s3.region"),
				"bucket":            viper.GetString("s3.bucket"),
				"key_prefix":        viper.GetString("s3.key_prefix"),
				"access_key_id":     viper.GetString("s3.access_key_id"),
				"secret_access_key": viper.GetString("s3.secret_access_key"),
				"use_ssl":           viper.GetBool("s3.use_ssl"),
			},
		}, nil
	default:
		return persist.StoreConfig{}, fmt.Errorf("unknown store type: %s", storeType)
	}
}

// legacyKeyFromEnv reads and decodes the static legacy key used only by the
// migration command.
func legacyKeyFromEnv() ([]byte, error) {
	raw := os.Getenv("TOKENVAULT_LEGACY_KEY")
	if raw == "" {
		return nil, fmt.Errorf("TOKENVAULT_LEGACY_KEY environment variable is required for migration")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("TOKENVAULT_LEGACY_KEY is not valid hex: %w", err)
	}
	return key, nil
}

func printProgress(step string) {
	fmt.Printf("  -> %s\n", step)
}
