package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/core/common/logging"
)

func TestParseFormat(t *testing.T) {
	require.Equal(t, logging.FormatJSON, parseFormat("json"))
	require.Equal(t, logging.FormatLogfmt, parseFormat("logfmt"))
	require.Equal(t, logging.FormatLogfmt, parseFormat("anything-else"))
}

func TestDoDevReset_RefusesWhenNodeEnvIsProduction(t *testing.T) {
	prev := viper.GetString(cfgNodeEnv)
	viper.Set(cfgNodeEnv, "production")
	defer viper.Set(cfgNodeEnv, prev)

	err := doDevReset(devResetCmd, []string{"owner-1", "store-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "production")
}
