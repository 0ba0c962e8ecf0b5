package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"OpenAgent-Launchpad/sdk/go/agentclient"
)

const (
	keyAgentURL   = "agent-url"
	keyControlURL = "control-url"
	keyAPIKey     = "api-key"
	keyConfig     = "config"
)

// newSettings 创建读取 AGENTCTL_ 前缀环境变量的 viper 实例，例如 AGENTCTL_AGENT_URL。
func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("agentctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyAgentURL, "http://localhost:3000")
	v.SetDefault(keyConfig, "configs/deploy.json")
	return v
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "Operate trading agents: deploy, inspect, start, stop and withdraw",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(keyAgentURL, "", "base URL of a running agent")
	flags.String(keyControlURL, "", "base URL of the deployment control API; empty runs deployments locally")
	flags.String(keyAPIKey, "", "API key for the deployment control API")
	flags.String(keyConfig, "", "config file used for local deployments")
	for _, key := range []string{keyAgentURL, keyControlURL, keyAPIKey, keyConfig} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(
		newStatusCmd(v),
		newLogsCmd(v),
		newStartCmd(v),
		newStopCmd(v),
		newWithdrawCmd(v),
		newSchedulesCmd(v),
		newDeployCmd(v),
		newGenerateCmd(v),
		newStreamLogsCmd(v),
		newValidateCmd(),
	)
	return rootCmd
}

func agentClient(v *viper.Viper) (*agentclient.Client, error) {
	return agentclient.NewClient(v.GetString(keyAgentURL), nil)
}

func controlClient(v *viper.Viper) (*agentclient.ControlClient, error) {
	raw := v.GetString(keyControlURL)
	if raw == "" {
		return nil, fmt.Errorf("--%s is required", keyControlURL)
	}
	return agentclient.NewControlClient(raw, v.GetString(keyAPIKey), nil)
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
