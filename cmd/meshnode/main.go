package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/common/logging"
	"github.com/latticemesh/latticemesh/common/xcmd"
	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/node"
	"github.com/latticemesh/latticemesh/radio"
)

var version = "devel"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "meshnode",
		Short:         "latticemesh node: TSCH/UWB MAC, 3D localisation and hyperspace routing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCmd(), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := node.LoadConfig(configPath)
			if err != nil {
				return err
			}

			log, _, err := logging.Init(&cfg.Logging)
			if err != nil {
				return err
			}
			defer log.Sync()

			// Without UWB hardware attached the node runs against a
			// single-node simulated medium, which keeps the slot loop,
			// schedule and bridge exercisable on a bench.
			medium := radio.NewMedium(logging.Component(log, "medium"))
			executor := medium.Attach(geom.Vec3{}, 0)

			n, err := node.New(cfg, executor, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go func() {
				defer cancel()
				if err := xcmd.WaitInterrupted(ctx); err != nil {
					var interrupted xcmd.Interrupted
					if errors.As(err, &interrupted) {
						log.Infow("interrupted", zap.Stringer("signal", interrupted))
					}
				}
			}()
			go pumpMedium(ctx, medium)

			log.Infow("starting mesh node",
				zap.String("version", version),
				zap.Stringer("addr", n.Addr()),
				zap.Bool("root", cfg.Root),
			)

			if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "meshnode.yaml", "path to the configuration file")
	return cmd
}

// pumpMedium resolves simulated slots while the process runs.
func pumpMedium(ctx context.Context, m *radio.Medium) {
	for ctx.Err() == nil {
		m.StepSlot(1)
	}
}
