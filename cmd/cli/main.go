// Package main is the entry point for the credit-insights CLI binary.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"credit-insights/internal/config"
	"credit-insights/internal/domain"
	"credit-insights/internal/sqlguard"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "credit-insights",
		Short:         "Guarded natural-language analytics over the credit dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newAskCmd())
	return rootCmd
}

// newCheckCmd validates a SQL statement against the guardrails offline and
// prints the rewritten statement that would be executed.
func newCheckCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "check [sql]",
		Short: "Validate a SQL statement against the guardrails offline",
		Long: "Runs a statement through the full guardrail validator without touching " +
			"a database and prints the rewritten statement that would be executed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readStatement(args, file)
			if err != nil {
				return err
			}

			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}

			rewritten, err := sqlguard.New(cfg.Guardrails()).Validate(sql)
			if err != nil {
				fmt.Fprintf(os.Stderr, "rejected (%s): %v\n", domain.KindOf(err), err)
				os.Exit(1)
			}

			fmt.Fprintln(cmd.OutOrStdout(), rewritten)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the statement from a file instead of the argument")
	return cmd
}

func readStatement(args []string, file string) (string, error) {
	switch {
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read statement: %w", err)
		}
		return string(raw), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return "", fmt.Errorf("provide a SQL statement as an argument or via --file")
	}
}

// newAskCmd posts a question to a running server and prints the answer.
func newAskCmd() *cobra.Command {
	var (
		host    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a running server a natural-language question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("CREDIT_INSIGHTS_HOST"); v != "" {
					host = v
				}
			}

			body, err := json.Marshal(map[string]string{"question": args[0]})
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: timeout}
			url := strings.TrimRight(host, "/") + "/v1/questions"
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("post question: %w", err)
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			// Pretty-print when the server returned JSON.
			var pretty bytes.Buffer
			if json.Indent(&pretty, raw, "", "  ") == nil {
				raw = pretty.Bytes()
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))

			if resp.StatusCode >= 500 {
				return fmt.Errorf("server error: %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "http://localhost:8080", "server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	return cmd
}
