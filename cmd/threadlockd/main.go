package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/logging"
	"github.com/danmuck/threadlock/internal/service"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "threadlock.toml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "threadlockd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "threadlockd",
		Short:         "Keep chat thread titles and nicknames locked",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to TOML config")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newLocksCommand(&configPath))
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the event feed and enforce locks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadServiceConfig(*configPath)
			if err != nil {
				return err
			}
			return service.NewServiceWithConfig(cfg).Run()
		},
	}
}

func newLocksCommand(configPath *string) *cobra.Command {
	var kindFlag string

	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Print the persisted locks from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadServiceConfig(*configPath)
			if err != nil {
				return err
			}
			var kinds []locks.Kind
			if kindFlag != "" {
				kind, err := locks.ParseKind(kindFlag)
				if err != nil {
					return err
				}
				kinds = append(kinds, kind)
			}
			return printLocks(cmd.OutOrStdout(), cfg, kinds...)
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "", "only print one kind (group_name|nickname)")
	return cmd
}

func printLocks(w io.Writer, cfg service.ServiceConfig, kinds ...locks.Kind) error {
	store, err := service.OpenStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	registry, loadErrs := locks.Open(store)
	for _, le := range loadErrs {
		fmt.Fprintf(os.Stderr, "threadlockd: %v\n", le)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTHREAD\tVALUE")
	for _, lock := range registry.List(kinds...) {
		fmt.Fprintf(tw, "%s\t%s\t%q\n", lock.Kind, lock.ThreadID, lock.Value)
	}
	return tw.Flush()
}
