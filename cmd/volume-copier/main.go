package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/pipeline"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/transform"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitAborted = 2
	exitFailed  = 3
)

// exitErr carries a process exit code out of a command.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitErr
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volume-copier",
	Short: "Chunked transfer and transform of precomputed volumes",
	Long: `volume-copier moves a chunked 3-D volume (image or mesh) between
storage backends, applying a transform stage to every chunk on the way.

Every chunk outcome is appended to a ledger so an interrupted or partly
failed run can be resumed.`,
	Version:       pipeline.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("volume-copier %s (%s)\n", pipeline.Version, pipeline.GitSHA))

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")

	runCmd.Flags().Bool("strict", false, "exit non-zero when any chunk failed")
	resumeCmd.Flags().Bool("strict", false, "exit non-zero when any chunk failed")
	resumeCmd.Flags().String("from", "", "JSON-lines ledger file to resume from (defaults to the configured ledger)")
	planCmd.Flags().Bool("resume", false, "plan a resume instead of a full run")
	planCmd.Flags().Int("limit", 20, "number of addresses to print, 0 for all")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(stagesCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured stage over the configured region",
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")
		return execute(cmd, false, "", strict)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-run only the chunks the ledger leaves unresolved",
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")
		from, _ := cmd.Flags().GetString("from")
		return execute(cmd, true, from, strict)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the chunk addresses a run would dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("resume")
		limit, _ := cmd.Flags().GetInt("limit")
		return plan(cmd, resume, limit)
	},
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the registered transform stages",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range transform.DefaultRegistry.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}
