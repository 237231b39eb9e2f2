package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/eventrelay/internal/relayclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "eventrelay-send",
		Short:         "Post game server event batches to an eventrelay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadSettings(v, cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	root.PersistentFlags().String("base-url", "", "relay base URL")
	root.PersistentFlags().String("token", "", "server token")
	root.PersistentFlags().Duration("timeout", 0, "per-request timeout")
	root.PersistentFlags().Int("retries", 3, "retries on transport errors, 429 and 5xx")
	_ = v.BindPFlag("base_url", root.PersistentFlags().Lookup("base-url"))
	_ = v.BindPFlag("token", root.PersistentFlags().Lookup("token"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	_ = v.BindPFlag("retries", root.PersistentFlags().Lookup("retries"))

	root.AddCommand(newSendCmd(v), newHealthCmd(v))
	return root
}

func loadSettings(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("EVENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("base_url", "http://127.0.0.1:8080")
	v.SetDefault("timeout", 15*time.Second)
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func clientFrom(v *viper.Viper) *relayclient.Client {
	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := relayclient.NewClient(v.GetString("base_url"), v.GetString("token"), nil)
	client.SetRetry(v.GetInt("retries"), 200*time.Millisecond, 5*time.Second)
	client.SetTimeout(timeout)
	return client
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "send FILE",
		Short: "Send the events in FILE (yaml or json, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(v.GetString("token")) == "" {
				return fmt.Errorf("a server token is required (--token or EVENTRELAY_TOKEN)")
			}
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			events, err := loadEvents(in)
			if err != nil {
				return err
			}
			summary, err := clientFrom(v).SendBatch(cmd.Context(), events)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}

func newHealthCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the relay is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := clientFrom(v).Health(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
}
