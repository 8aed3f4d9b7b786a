// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd holds the duplex subcommands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/duplex/lib/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main from build flags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "duplex",
	Short: "Attention/CTC decoding orchestration tools",
	Long: `duplex drives the decoding layer of an attention/CTC hybrid
sequence-to-sequence model offline.

Settings can be given as flags, in a config file (--config-file), or as
DUPLEX_* environment variables (DUPLEX_LOG_LEVEL, DUPLEX_MODEL_CONFIG, ...).`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "settings file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "json", "log style (json, terminal)")
	rootCmd.PersistentFlags().String("model-config", "", "model configuration file (model.yaml)")
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("model_config", rootCmd.PersistentFlags().Lookup("model-config"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("DUPLEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// newLogger builds the command logger from viper settings.
func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// loadModelConfig reads the configured model file, or returns defaults.
func loadModelConfig() (config.ModelConfig, error) {
	path := viper.GetString("model_config")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.ModelConfig{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}
