package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/cabs"
)

var rootCmd = &cobra.Command{
	Use:   "cabs",
	Short: "Content-addressable blob store CLI",
	Long:  "CLI for storing, reading and garbage collecting blobs in a cabs store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log_level"))
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/cabs/config.yaml)")
	flags.String("cache-dir", "", "local store directory (default: ~/.local/share/cabs)")
	flags.String("backend", "none", "backend type: none, file or oci")
	flags.String("backend-dir", "", "directory of the file backend")
	flags.String("registry", "", "repository of the oci backend, e.g. ghcr.io/acme/blobs")
	flags.String("digest", string(cabs.SHA256), "digest algorithm for new objects: sha256 or blake3")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")

	viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("backend", flags.Lookup("backend"))
	viper.BindPFlag("backend_dir", flags.Lookup("backend-dir"))
	viper.BindPFlag("registry_ref", flags.Lookup("registry"))
	viper.BindPFlag("digest", flags.Lookup("digest"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CABS")
	viper.AutomaticEnv()
	viper.SetDefault("cache_dir", defaultCacheDir())
	viper.SetDefault("gc_strategy", cabs.Additive.String())
	viper.SetDefault("direct_download_expiry", cabs.DefaultDirectDownloadExpiry)

	viper.ReadInConfig()
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cabs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "cabs")
	}
	return ".cabs"
}

func defaultCacheDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cabs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cabs")
	}
	return ".cabs"
}

// storeOptions translates the viper configuration into store options.
func storeOptions() ([]cabs.Option, error) {
	alg := cabs.Algorithm(viper.GetString("digest"))
	strategy, err := cabs.ParseGCStrategy(viper.GetString("gc_strategy"))
	if err != nil {
		return nil, err
	}

	opts := []cabs.Option{
		cabs.WithCacheDir(viper.GetString("cache_dir")),
		cabs.WithDigestAlgorithm(alg),
		cabs.WithGCStrategy(strategy),
		cabs.WithCacheLimits(
			viper.GetInt64("cache_max_bytes"),
			viper.GetInt("cache_max_count"),
			viper.GetDuration("cache_min_age"),
		),
		cabs.WithDirectDownload(viper.GetBool("direct_download"), viper.GetDuration("direct_download_expiry")),
	}

	switch backend := viper.GetString("backend"); backend {
	case "", "none":
	case "file":
		dir := viper.GetString("backend_dir")
		if dir == "" {
			return nil, fmt.Errorf("backend %q requires --backend-dir: %w", backend, cabs.ErrConfiguration)
		}
		opts = append(opts, cabs.WithFileBackend(dir))
	case "oci":
		ref := viper.GetString("registry_ref")
		if ref == "" {
			return nil, fmt.Errorf("backend %q requires --registry: %w", backend, cabs.ErrConfiguration)
		}
		opts = append(opts, cabs.WithRegistryBackend(ref))
		if user := viper.GetString("registry_username"); user != "" {
			opts = append(opts, cabs.WithAuth(cabs.StaticAuthenticator{
				Username: user,
				Password: viper.GetString("registry_password"),
			}))
		}
	default:
		return nil, fmt.Errorf("unknown backend %q: %w", backend, cabs.ErrConfiguration)
	}
	return opts, nil
}

func openStore() (*cabs.Store, error) {
	opts, err := storeOptions()
	if err != nil {
		return nil, err
	}
	return cabs.Open(opts...)
}

// closeStore closes s and keeps the first error.
func closeStore(s *cabs.Store, err *error) {
	if cerr := s.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
