// Command rombox installs items from a RomM-compatible content server into
// a local game library and keeps the install records honest.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/rombox/internal/config"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// Version and Commit are set at build time via -ldflags.
var (
	Version = "v0.1.0-dev"
	Commit  = "unknown"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

// rootOptions are the persistent flags plus the I/O the commands write to.
type rootOptions struct {
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsFile string

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(report(os.Stderr, err, false))
	}
}

// report prints err and returns the exit code for it.
func report(w io.Writer, err error, verbose bool) int {
	var ex *exitError
	if errors.As(err, &ex) {
		if ex.msg != "" {
			fmt.Fprintln(w, "Error:", ex.msg)
		}
		return ex.code
	}
	var pe *config.ParseError
	if errors.As(err, &pe) {
		fmt.Fprintln(w, "Error:", config.FormatError(err, verbose))
		return 2
	}
	fmt.Fprintln(w, "Error:", err)
	switch fault.KindOf(err) {
	case fault.InvalidArgument, fault.NotConfigured:
		return 2
	case fault.Busy:
		return 75 // EX_TEMPFAIL
	case fault.Cancelled:
		return 130
	}
	return 1
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{in: in, out: out, errOut: errOut}

	cmd := &cobra.Command{
		Use:           "rombox",
		Short:         "Install and verify games from a RomM server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default "+config.DefaultPath()+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and detailed errors")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")
	cmd.PersistentFlags().StringVar(&opts.metricsFile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	cmd.AddCommand(
		newInitCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newInstallCmd(opts),
		newUninstallCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newValidateCmd(opts),
		newReconcileCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

func (o *rootOptions) settingsPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}
