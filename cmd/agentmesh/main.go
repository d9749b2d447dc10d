package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh-dev/agentmesh"
	"github.com/agentmesh-dev/agentmesh/pkg/config"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "agentmesh",
		Short: "Agent mesh node",
		Long:  "Runs a mesh node: agent runtime, discovery registry, and workflow engine.",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("AGENTMESH_CONFIG"), "configuration file (YAML)")

	root.AddCommand(serveCmd(), versionCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a mesh node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			mesh, err := agentmesh.New(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := mesh.Start(ctx); err != nil {
				return err
			}
			log.Printf("agentmesh %s serving as %s on %s", agentmesh.Version, cfg.AgentID, cfg.ListenAddr)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			log.Println("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return mesh.Stop(shutdownCtx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(agentmesh.Version)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: agent %s, protocol %s, listen %s\n", cfg.AgentID, cfg.Protocol, cfg.ListenAddr)
			return nil
		},
	}
}
