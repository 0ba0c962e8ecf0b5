package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"OpenAgent-Launchpad/internal/config"
	"OpenAgent-Launchpad/internal/deploy"
	"OpenAgent-Launchpad/internal/strategy"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/pkg/logger"
	"OpenAgent-Launchpad/sdk/go/agentclient"
)

func newDeployCmd(v *viper.Viper) *cobra.Command {
	var agentID, owner, strategyFile string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build and deploy an agent from a strategy file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := os.ReadFile(strategyFile)
			if err != nil {
				return fmt.Errorf("read strategy: %w", err)
			}
			req := agentclient.DeployRequest{AgentID: agentID, OwnerAddress: owner, Strategy: string(content)}

			if v.GetString(keyControlURL) != "" {
				client, err := controlClient(v)
				if err != nil {
					return err
				}
				result, err := client.Deploy(cmd.Context(), req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			}

			cfg, err := config.Load(v.GetString(keyConfig))
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log.Logger()); err != nil {
				return err
			}
			pipeline, err := deploy.NewAWS(cmd.Context(), deploy.ConfigFrom(cfg))
			if err != nil {
				return err
			}
			result, err := pipeline.Deploy(cmd.Context(), deploy.Request{
				AgentID:      req.AgentID,
				OwnerAddress: req.OwnerAddress,
				Strategy:     req.Strategy,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "unique agent id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner wallet address")
	cmd.Flags().StringVar(&strategyFile, "strategy", strategy.FileName, "strategy YAML file")
	_ = cmd.MarkFlagRequired("agent-id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newGenerateCmd(v *viper.Viper) *cobra.Command {
	var description, chain string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a strategy document from a description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := controlClient(v)
			if err != nil {
				return err
			}
			out, err := client.GenerateStrategy(cmd.Context(), description, chain)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out.Strategy)
			return err
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what the agent should do")
	cmd.Flags().StringVar(&chain, "chain", "polygon", "target chain")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newStreamLogsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stream-logs <agent-id>",
		Short: "Follow a deployed agent's hosted logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(v)
			if err != nil {
				return err
			}
			return client.StreamLogs(cmd.Context(), args[0], func(e agentclient.LogEvent) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Timestamp.Format("15:04:05"), e.Message)
				return err
			})
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <strategy.yaml>",
		Short: "Validate a strategy file against the token table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := strategy.Load(args[0])
			if err != nil {
				return err
			}
			if err := strat.Validate(tokens.Default()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "strategy %q is valid\n", strat.Name)
			return err
		},
	}
}
