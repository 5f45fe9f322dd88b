package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the active consultation of a caller key",
	}

	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionClearCmd())
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath, key string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active-session record for a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(cmd, configPath, key)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to consult config file")
	cmd.Flags().StringVarP(&key, "key", "k", "", "caller key (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runSessionShow(cmd *cobra.Command, configPath, key string) error {
	cfg, logger, err := loadConfig(cmd, configPath, false, false)
	if err != nil {
		return err
	}
	st, mgr, err := openResume(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	out := cmd.OutOrStdout()
	rec, ok := mgr.Get(context.Background(), key)
	if !ok {
		fmt.Fprintf(out, "No active consultation for %s\n", key)
		return nil
	}
	fmt.Fprintf(out, "Key:        %s\n", key)
	fmt.Fprintf(out, "Session:    %s\n", rec.SessionID)
	if rec.AgentType != "" {
		fmt.Fprintf(out, "Agent:      %s\n", rec.AgentType)
	}
	if rec.Capabilities != nil {
		caps := "conversation"
		if len(rec.Capabilities.SupportedActions) > 0 {
			caps += ", " + strings.Join(rec.Capabilities.SupportedActions, ", ")
		}
		fmt.Fprintf(out, "Actions:    %s\n", caps)
		fmt.Fprintf(out, "Images:     %t\n", rec.Capabilities.SupportsImageUpload)
	}
	if !rec.SavedAt.IsZero() {
		fmt.Fprintf(out, "Saved:      %s (%s ago)\n", rec.SavedAt.Format(time.RFC3339), time.Since(rec.SavedAt).Round(time.Second))
	}
	return nil
}

func newSessionClearCmd() *cobra.Command {
	var configPath, key string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the active consultation for a key",
		Long:  "Removes the active-session record so the next chat or serve starts a new consultation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionClear(cmd, configPath, key)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to consult config file")
	cmd.Flags().StringVarP(&key, "key", "k", "", "caller key (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runSessionClear(cmd *cobra.Command, configPath, key string) error {
	cfg, logger, err := loadConfig(cmd, configPath, false, false)
	if err != nil {
		return err
	}
	st, mgr, err := openResume(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if !mgr.ClearActive(context.Background(), key) {
		return fmt.Errorf("clear active consultation for %s failed", key)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared active consultation for %s\n", key)
	return nil
}
