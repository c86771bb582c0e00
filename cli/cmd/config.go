package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Renders the merged configuration (defaults, config file, environment,
flags) as YAML. Secrets are environment-only and never appear here.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings := map[string]interface{}{
		"envelope_path": viper.GetString("envelope_path"),
		"store_type":    viper.GetString("store_type"),
		"key_version":   viper.GetString("key_version"),
		"iterations":    viper.GetInt("iterations"),
		"audit": map[string]interface{}{
			"enabled": viper.GetBool("audit.enabled"),
			"type":    viper.GetString("audit.type"),
			"options": map[string]interface{}{
				"file_path": viper.GetString("audit.options.file_path"),
			},
		},
	}
	if viper.GetString("store_type") == "s3" {
		settings["s3"] = map[string]interface{}{
			"endpoint":   viper.GetString("s3.endpoint"),
			"region":     viper.GetString("s3.region"),
			"bucket":     viper.GetString("s3.bucket"),
			"key_prefix": viper.GetString("s3.key_prefix"),
			"use_ssl":    viper.GetBool("s3.use_ssl"),
		}
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Printf("# config file: %s\n", file)
	}
	fmt.Print(string(out))
	return nil
}
