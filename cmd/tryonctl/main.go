package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	timeout time.Duration
}

var global = &globalOptions{}

var rootCmd = &cobra.Command{
	Use:          "tryonctl",
	Short:        "Command line client for the try-on server",
	SilenceUsage: true,
}

func init() {
	server := os.Getenv("TRYON_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&global.server, "server", "s", server, "Base URL of the try-on server")
	rootCmd.PersistentFlags().DurationVar(&global.timeout, "timeout", 5*time.Minute, "HTTP timeout")

	rootCmd.AddCommand(submitCmd(), statusCmd(), cancelCmd(), modelsCmd(), rolloverCmd(), normalizeCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
