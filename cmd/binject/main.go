// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// binject embeds named byte payloads into compiled executables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"binpack.dev/binpack/binfmt"
	"binpack.dev/binpack/injector"
	"binpack.dev/binpack/internal/osutil"
	"binpack.dev/binpack/machorw"
	"binpack.dev/binpack/press"

	_ "binpack.dev/binpack/elfrw"
	_ "binpack.dev/binpack/perw"
)

// binjectVersion is the version string filled in by the linker (e.g. "1.2.3").
var binjectVersion string

func main() {
	rootCommand := &cobra.Command{
		Use:           "binject",
		Short:         "embed resources in executables",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       versionString(),
	}
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newInjectCommand(),
		newListCommand(),
		newExtractCommand(),
		newVerifyCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

type injectOptions struct {
	executable string
	name       string
	source     string
	replace    bool
}

func newInjectCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "inject -e EXECUTABLE -r NAME -s DATA_FILE",
		Short:                 "embed a file as a named resource",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(injectOptions)
	c.Flags().StringVarP(&opts.executable, "executable", "e", "", "`path` of the executable to modify")
	c.Flags().StringVarP(&opts.name, "resource", "r", "", "resource `name`")
	c.Flags().StringVarP(&opts.source, "source", "s", "", "`path` of the file holding the payload")
	c.Flags().BoolVar(&opts.replace, "replace", false, "overwrite an existing resource with the same name")
	for _, flag := range []string{"executable", "resource", "source"} {
		c.MarkFlagRequired(flag)
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runInject(cmd.Context(), opts)
	}
	return c
}

func runInject(ctx context.Context, opts *injectOptions) error {
	payload, err := os.ReadFile(opts.source)
	if err != nil {
		return err
	}
	inj, format, err := injector.For(opts.executable)
	if err != nil {
		return err
	}
	log.Debugf(ctx, "%s: detected %v", opts.executable, format)
	err = inj.Inject(opts.executable, opts.name, payload, &injector.Options{Replace: opts.replace})
	if err != nil {
		return err
	}
	log.Infof(ctx, "injected %s (%s) into %s as %q",
		opts.source, humanize.IBytes(uint64(len(payload))), opts.executable, opts.name)
	return nil
}

func newListCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "list EXECUTABLE",
		Short:                 "enumerate embedded resources",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runList(cmd.Context(), args[0])
	}
	return c
}

func runList(ctx context.Context, executable string) error {
	inj, _, err := injector.For(executable)
	if err != nil {
		return err
	}
	resources, err := inj.List(executable)
	if err != nil {
		return err
	}
	for _, r := range resources {
		fmt.Printf("%s\t%d\n", r.Name, r.Size)
	}
	return nil
}

type extractOptions struct {
	executable string
	name       string
	output     string
}

func newExtractCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "extract -e EXECUTABLE -s NAME -o OUT_FILE",
		Short:                 "read back an embedded resource",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(extractOptions)
	c.Flags().StringVarP(&opts.executable, "executable", "e", "", "`path` of the executable to read")
	c.Flags().StringVarP(&opts.name, "resource", "s", "", "resource `name`")
	c.Flags().StringVarP(&opts.output, "output", "o", "", "`path` to write the payload to")
	for _, flag := range []string{"executable", "resource", "output"} {
		c.MarkFlagRequired(flag)
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runExtract(cmd.Context(), opts)
	}
	return c
}

func runExtract(ctx context.Context, opts *extractOptions) error {
	inj, _, err := injector.For(opts.executable)
	if err != nil {
		return err
	}
	payload, err := inj.Extract(opts.executable, opts.name)
	if err != nil {
		return err
	}
	if err := osutil.WriteFileAtomic(opts.output, payload, 0o644); err != nil {
		return err
	}
	log.Infof(ctx, "extracted %q (%s) from %s to %s",
		opts.name, humanize.IBytes(uint64(len(payload))), opts.executable, opts.output)
	return nil
}

type verifyOptions struct {
	executable string
	name       string
}

func newVerifyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "verify -e EXECUTABLE [-s NAME]",
		Short:                 "strictly verify an executable after injection",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(verifyOptions)
	c.Flags().StringVarP(&opts.executable, "executable", "e", "", "`path` of the executable to verify")
	c.Flags().StringVarP(&opts.name, "resource", "s", "", "resource `name` that must be present")
	c.MarkFlagRequired("executable")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd.Context(), opts)
	}
	return c
}

func runVerify(ctx context.Context, opts *verifyOptions) error {
	inj, format, err := injector.For(opts.executable)
	if err != nil {
		return err
	}
	if format == binfmt.MachO {
		if err := machorw.Verify(opts.executable); err != nil {
			return err
		}
	}
	if opts.name != "" {
		payload, err := inj.Extract(opts.executable, opts.name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\t%s\n", opts.name, len(payload), press.Integrity(payload))
	}
	log.Infof(ctx, "%s: ok", opts.executable)
	return nil
}

func versionString() string {
	if binjectVersion == "" {
		return "(version unknown)"
	}
	return binjectVersion
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "binject: ", log.StdFlags, nil),
		})
	})
}
