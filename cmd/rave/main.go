package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sibyllinesoft/rave/internal/app"
	"github.com/sibyllinesoft/rave/internal/config"
	"github.com/sibyllinesoft/rave/internal/vmmanager"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rave",
		Short: "RAVE tenant VM orchestration and chat command bridge",
	}
	root.AddCommand(newServeCmd(), newVMCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the chat command bridge HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if mode != "" {
				cfg.Mode = mode
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.Run(ctx, cfg); err != nil {
				slog.Error("fatal", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "run mode, overrides RAVE_MODE")
	return cmd
}

func newVMCmd() *cobra.Command {
	vm := &cobra.Command{
		Use:   "vm",
		Short: "tenant VM lifecycle operations",
	}
	vm.AddCommand(
		newVMCreateCmd(),
		newVMStartCmd(),
		newVMStopCmd(),
		newVMStatusCmd(),
		newVMStatusAllCmd(),
		newVMResetCmd(),
		newVMSSHCmd(),
		newVMApplyOverrideCmd(),
	)
	return vm
}

func loadManager() (*vmmanager.Manager, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return vmmanager.New(cfg.VMsDir, cfg.RepoRoot), cfg, nil
}

func newVMCreateCmd() *cobra.Command {
	var opts vmmanager.CreateOptions
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "provision a new tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			record, warnings, err := mgr.Create(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}
			return printJSON(record)
		},
	}
	cmd.Flags().StringVar(&opts.KeypairPath, "keypair", "", "path to the tenant SSH keypair")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "base image profile")
	cmd.Flags().StringVar(&opts.AgeKeyPath, "age-key", "", "path to an age key to embed")
	cmd.Flags().BoolVar(&opts.SkipBuild, "skip-build", false, "has no effect: vm create runs no Nix build and always copies the base image")
	return cmd
}

func newVMStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME",
		Short: "start a tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			record, err := mgr.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(record)
		},
	}
}

func newVMStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "stop a tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			record, err := mgr.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(record)
		},
	}
}

func newVMStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "report a tenant VM's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			status, err := mgr.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newVMStatusAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status-all",
		Short: "report status for every tenant VM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			statuses, err := mgr.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(statuses)
		},
	}
}

func newVMResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAME",
		Short: "reset a tenant VM to its base image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			warning, err := mgr.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, "warning:", warning)
			}
			return nil
		},
	}
}

func newVMSSHCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh NAME",
		Short: "print the SSH target for a tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			target, err := mgr.SSHTarget(args[0])
			if err != nil {
				return err
			}
			return printJSON(target)
		},
	}
}

func newVMApplyOverrideCmd() *cobra.Command {
	var opts vmmanager.ApplyOverrideLayerOptions
	cmd := &cobra.Command{
		Use:   "apply-override NAME LAYER",
		Short: "apply or preview a configuration override layer on a tenant VM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager()
			if err != nil {
				return err
			}
			summary, message, err := mgr.ApplyOverrideLayer(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			if message != "" {
				fmt.Fprintln(os.Stderr, message)
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().BoolVar(&opts.ApplyRestarts, "restart", false, "restart services affected by the override")
	cmd.Flags().BoolVar(&opts.PreviewOnly, "preview", false, "report what would change without applying it")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
