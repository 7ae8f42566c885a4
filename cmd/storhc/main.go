// The storhc command runs a host controller against the software
// device model, with optional monitoring and event recording.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "storhc",
	Short: "Run and inspect a storage host controller.",
	Long: `storhc drives the host controller engine against the ` +
		`built-in device model. It can expose a monitoring server, ` +
		`record controller events into SQLite, and run synthetic ` +
		`workloads that exercise the data, error, and power paths.`,
}

func main() {
	// A .env file in the working directory seeds the environment;
	// explicit environment variables still win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Cannot load .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
