package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autotraficgen/proxypool/internal/app"
	"github.com/autotraficgen/proxypool/internal/config"
	"github.com/autotraficgen/proxypool/internal/security"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string

	probeOnce bool

	selectCount  int
	selectHolder string

	releaseUsed bool

	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration

	rootCmd = &cobra.Command{
		Use:           "proxypool",
		Short:         "Maintain a scored pool of egress proxies and lease them to workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Migrate(cmd.Context(), appConfig())
		},
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest",
		Short: "Fetch the provider list once and insert new proxies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := app.Ingest(cmd.Context(), appConfig())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Probe and rescore proxies continuously, or once with --once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := app.Probe(cmd.Context(), appConfig(), probeOnce)
			if err != nil {
				return err
			}
			if probeOnce {
				return printJSON(stats)
			}
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the retention loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunServer(cmd.Context(), appConfig())
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Probe continuously and serve the HTTP API in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), appConfig())
		},
	}

	selectCmd = &cobra.Command{
		Use:   "select",
		Short: "Lease up to --count proxies with distinct exit IPs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			leases, err := app.Select(cmd.Context(), appConfig(), selectCount, selectHolder)
			if err != nil {
				return err
			}
			for _, l := range leases {
				fmt.Printf("%s\t%s\t%.4f\t%s\n", l.ID, l.URL(), l.Score, l.ExpiresAt.Format(time.RFC3339))
			}
			if len(leases) < selectCount {
				log.Warnf("granted %d of %d requested proxies", len(leases), selectCount)
			}
			return nil
		},
	}

	releaseCmd = &cobra.Command{
		Use:   "release <lease-id>",
		Short: "End a lease, recording use with --used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Release(cmd.Context(), appConfig(), args[0], releaseUsed)
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with the configured secret",
		RunE: func(_ *cobra.Command, _ []string) error {
			token, err := app.Token(appConfig(), tokenSubject, tokenRole, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")

	probeCmd.Flags().BoolVar(&probeOnce, "once", false, "run a single cycle and exit")

	selectCmd.Flags().IntVarP(&selectCount, "count", "n", 1, "number of proxies to lease")
	selectCmd.Flags().StringVar(&selectHolder, "holder", "cli", "lease holder recorded with each lease")

	releaseCmd.Flags().BoolVar(&releaseUsed, "used", false, "count the proxy as used")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject, e.g. a worker name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", security.RoleWorker, "worker or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(migrateCmd, ingestCmd, probeCmd, serveCmd, runCmd, selectCmd, releaseCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("proxypool failed")
		stop()
		os.Exit(1)
	}
}

func appConfig() config.AppConfig {
	return config.AppConfig{ConfigPath: configPath}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
