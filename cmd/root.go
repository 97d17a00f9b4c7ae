package cmd

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes: 0 ok, 1 configuration error, 2 all servers down at startup,
// 3 unhandled fatal.
const (
	exitConfigError    = 1
	exitAllServersDown = 2
	exitFatal          = 3
)

var logLevel string

// exitError carries the process exit code chosen by a subcommand.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfigError, err: err} }

func fatalErr(err error) error { return &exitError{code: exitFatal, err: err} }

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:           "duograde",
	Short:         "Disaggregated grading orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return configErr(err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI root command and maps errors onto exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		// Flag and usage errors are configuration errors.
		os.Exit(exitConfigError)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
}
