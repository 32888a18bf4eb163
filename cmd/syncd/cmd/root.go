// Package cmd implements the syncd CLI. Flags are declared under const
// names, bound through viper, and overridable by the environment variables
// the server documents.
package cmd

import (
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/syncmesh/core/common/logging"
)

const (
	cfgDatabaseURL       = "database.url"
	cfgKratosPublicURL   = "kratos.public_url"
	cfgSessionCookieSec  = "session.cookie_secure"
	cfgSessionCacheTTLMs = "session.cache_ttl_ms"
	cfgNodeEnv           = "node_env"
	cfgListenAddr        = "listen.addr"
	cfgLogLevel          = "log.level"
	cfgLogFormat         = "log.format"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd runs the sync ledger server",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootFlags := flag.NewFlagSet("", flag.ContinueOnError)
	rootFlags.String(cfgDatabaseURL, "", "PostgreSQL connection string (DATABASE_URL)")
	rootFlags.String(cfgKratosPublicURL, "", "Ory Kratos public API base URL (KRATOS_PUBLIC_URL)")
	rootFlags.Bool(cfgSessionCookieSec, true, "honor the mo_session cookie only on TLS requests (SESSION_COOKIE_SECURE)")
	rootFlags.Int(cfgSessionCacheTTLMs, 30000, "session cache TTL in ms (SESSION_CACHE_TTL_MS)")
	rootFlags.String(cfgNodeEnv, "development", "deployment environment; gates POST /sync/dev/reset (NODE_ENV)")
	rootFlags.String(cfgListenAddr, ":8080", "HTTP listen address")
	rootFlags.String(cfgLogLevel, "info", "log level")
	rootFlags.String(cfgLogFormat, "logfmt", "log format: logfmt or json")

	rootCmd.PersistentFlags().AddFlagSet(rootFlags)
	_ = viper.BindPFlags(rootFlags)

	viper.SetEnvPrefix("")
	viper.BindEnv(cfgDatabaseURL, "DATABASE_URL")
	viper.BindEnv(cfgKratosPublicURL, "KRATOS_PUBLIC_URL")
	viper.BindEnv(cfgSessionCookieSec, "SESSION_COOKIE_SECURE")
	viper.BindEnv(cfgSessionCacheTTLMs, "SESSION_CACHE_TTL_MS")
	viper.BindEnv(cfgNodeEnv, "NODE_ENV")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devResetCmd)
}

func rootLogger() logging.Logger {
	return logging.New("syncd", logging.Options{
		Level:  logging.ParseLevel(viper.GetString(cfgLogLevel)),
		Format: parseFormat(viper.GetString(cfgLogFormat)),
	})
}

func parseFormat(s string) logging.Format {
	if s == "json" {
		return logging.FormatJSON
	}
	return logging.FormatLogfmt
}
