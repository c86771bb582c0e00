// Package cmd implements the operator-facing commands of the credential
// encryption subsystem: migration from the legacy envelope format, key
// rotation, verification, status and audit queries. The commands are
// invoked out-of-band; none of them is a long-running service.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/tokenvault"
	"southwinds.dev/tokenvault/audit"
)

var (
	cfgFile string
	tokens  *tokenvault.TokenStore
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tokenvault",
	Short: "Versioned encryption for a persisted OAuth token set",
	Long: `tokenvault manages the encrypted credential envelope: it migrates the
legacy unversioned format, rotates key versions, verifies that the live
envelope decrypts, and queries the append-only audit trail.

Secrets are supplied through the environment (TOKENVAULT_ENCRYPTION_KEY plus
optional TOKENVAULT_ENCRYPTION_KEY_V2..V10 fallbacks); they are never read
from the config file.`,
	PersistentPreRunE: initializeSubsystem,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if tokens != nil {
			return tokens.Close()
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. A failed command exits non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tokenvault.yaml)")
	rootCmd.PersistentFlags().String("envelope-path", "", "path to the encrypted envelope file")
	rootCmd.PersistentFlags().String("key-version", "", "current key version (default v1)")
	rootCmd.PersistentFlags().Int("iterations", 0, "PBKDF2 iteration count (minimum 100000)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")

	bindFlagOrPanic("envelope_path", rootCmd.PersistentFlags().Lookup("envelope-path"))
	bindFlagOrPanic("key_version", rootCmd.PersistentFlags().Lookup("key-version"))
	bindFlagOrPanic("iterations", rootCmd.PersistentFlags().Lookup("iterations"))
	bindFlagOrPanic("store_type", rootCmd.PersistentFlags().Lookup("store-type"))

	rootCmd.PersistentFlags().Bool("audit", true, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", rootCmd.PersistentFlags().Lookup("audit"))
	bindFlagOrPanic("audit.type", rootCmd.PersistentFlags().Lookup("audit-type"))
	bindFlagOrPanic("audit.options.file_path", rootCmd.PersistentFlags().Lookup("audit-file"))

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("s3.endpoint", rootCmd.PersistentFlags().Lookup("s3-endpoint"))
	bindFlagOrPanic("s3.region", rootCmd.PersistentFlags().Lookup("s3-region"))
	bindFlagOrPanic("s3.bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	bindFlagOrPanic("s3.key_prefix", rootCmd.PersistentFlags().Lookup("s3-prefix"))
	bindFlagOrPanic("s3.access_key_id", rootCmd.PersistentFlags().Lookup("s3-access-key"))
	bindFlagOrPanic("s3.secret_access_key", rootCmd.PersistentFlags().Lookup("s3-secret-key"))
	bindFlagOrPanic("s3.use_ssl", rootCmd.PersistentFlags().Lookup("s3-use-ssl"))
}

func bindFlagOrPanic(configKey string, flag *pflag.Flag) {
	if err := viper.BindPFlag(configKey, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", configKey, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tokenvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".tokenvault")
	}

	viper.SetEnvPrefix("TOKENVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Missing config file is fine: defaults and env vars apply.
	}
}

func setDefaults() {
	viper.SetDefault("envelope_path", ".tokenvault/envelope.json")
	viper.SetDefault("store_type", "file")
	viper.SetDefault("key_version", "v1")

	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", ".tokenvault/audit.log")

	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.use_ssl", true)
}

func initializeSubsystem(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	opts, err := buildOptions()
	if err != nil {
		return err
	}

	tokens, err = tokenvault.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to initialize token vault: %w", err)
	}
	return nil
}

func auditConfigFromViper() *audit.Config {
	return &audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	}
}
