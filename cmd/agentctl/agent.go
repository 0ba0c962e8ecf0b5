package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent status snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentClient(v)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newLogsCmd(v *viper.Viper) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the agent's buffered log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentClient(v)
			if err != nil {
				return err
			}
			entries, err := client.Logs(cmd.Context())
			if err != nil {
				return err
			}
			if tail > 0 && len(entries) > tail {
				entries = entries[len(entries)-tail:]
			}
			for _, e := range entries {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Level, e.Message); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "only print the last N lines")
	return cmd
}

func newStartCmd(v *viper.Viper) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agent loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentClient(v)
			if err != nil {
				return err
			}
			if err := client.Start(cmd.Context(), owner); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "agent started")
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner wallet address")
	return cmd
}

func newStopCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active trade schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentClient(v)
			if err != nil {
				return err
			}
			if err := client.Stop(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "agent stopped")
			return err
		},
	}
}

func newWithdrawCmd(v *viper.Viper) *cobra.Command {
	var token, amount string
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Send funds from the agent wallet back to the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentClient(v)
			if err != nil {
				return err
			}
			hash, err := client.Withdraw(cmd.Context(), token, amount)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token contract address, empty for the native token")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in human units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newSchedulesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List active schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentClient(v)
			if err != nil {
				return err
			}
			schedules, err := client.Schedules(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), schedules)
		},
	}
}
