package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phact/agentsitter"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "sittr",
		Short: "Supervising proxy for autonomous agents",
		Long: "sittr intercepts an agent's HTTP(S) traffic, holds risky requests " +
			"behind approval tickets and forwards only what a human approves.",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), caCmd(), statusCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadService(configURL string) (*agentsitter.Service, error) {
	config, err := agentsitter.LoadConfig(context.Background(), configURL)
	if err != nil {
		return nil, err
	}
	return agentsitter.New(agentsitter.WithConfig(config))
}

func serveCmd() *cobra.Command {
	var configURL string
	var traceFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interception proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := agentsitter.LoadConfig(cmd.Context(), configURL)
			if err != nil {
				return err
			}
			options := []agentsitter.Option{agentsitter.WithConfig(config)}
			if traceFile != "" {
				options = append(options, agentsitter.WithTracing("sittr", version, traceFile))
			}
			service, err := agentsitter.New(options...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := service.Runtime().Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return service.Runtime().Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVarP(&configURL, "config", "c", "", "config file URL (yaml)")
	cmd.Flags().StringVar(&traceFile, "trace-file", "", "write OpenTelemetry spans to this file")
	return cmd
}

func caCmd() *cobra.Command {
	var configURL string
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Certificate authority operations",
	}
	export := &cobra.Command{
		Use:   "export",
		Short: "Print the root CA certificate PEM for trust-store installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := loadService(configURL)
			if err != nil {
				return err
			}
			pem, err := service.CACertPEM(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pem)
			return err
		},
	}
	cmd.PersistentFlags().StringVarP(&configURL, "config", "c", "", "config file URL (yaml)")
	cmd.AddCommand(export)
	return cmd
}

func statusCmd() *cobra.Command {
	var configURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := agentsitter.LoadConfig(cmd.Context(), configURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen:      %s\n", config.Server.Addr)
			fmt.Fprintf(out, "ca cert:     %s\n", config.CA.CertURL)
			fmt.Fprintf(out, "rendezvous:  %s\n", orDefault(config.Rendezvous.Endpoint, "(in-process)"))
			fmt.Fprintf(out, "audit trail: %s\n", orDefault(config.Audit.URL, "(disabled)"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configURL, "config", "c", "", "config file URL (yaml)")
	return cmd
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sittr version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sittr", version)
		},
	}
}
