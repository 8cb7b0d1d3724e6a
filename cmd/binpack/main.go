// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

// binpack compresses whole executable artifacts and restores them.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"binpack.dev/binpack/injector"
	"binpack.dev/binpack/internal/osutil"
	"binpack.dev/binpack/press"

	_ "binpack.dev/binpack/elfrw"
	_ "binpack.dev/binpack/machorw"
	_ "binpack.dev/binpack/perw"
)

// compressedSuffix is appended to default output names by compress
// and trimmed again by decompress.
const compressedSuffix = ".bp"

// binpackVersion is the version string filled in by the linker (e.g. "1.2.3").
var binpackVersion string

func main() {
	rootCommand := &cobra.Command{
		Use:           "binpack",
		Short:         "compress and restore executable artifacts",
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
		newCompressCommand(),
		newDecompressCommand(),
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

type compressOptions struct {
	input  string
	output string
	stub   string
}

func newCompressCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "compress INPUT -o OUTPUT [--stub STUB_BINARY]",
		Short:                 "compress a binary into an artifact or a self-extracting executable",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(compressOptions)
	c.Flags().StringVarP(&opts.output, "output", "o", "", "`path` to write the artifact to")
	c.Flags().StringVar(&opts.stub, "stub", "", "`path` of a launcher binary; the artifact is injected into a copy of it")
	c.MarkFlagRequired("output")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		return runCompress(cmd.Context(), opts)
	}
	return c
}

func runCompress(ctx context.Context, opts *compressOptions) error {
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return err
	}
	artifact, err := press.Compress(data)
	if err != nil {
		return err
	}
	hdr, _, err := press.Split(artifact)
	if err != nil {
		return err
	}
	log.Infof(ctx, "%s: %s -> %s (%.1f%%), cache key %s",
		opts.input,
		humanize.IBytes(uint64(len(data))),
		humanize.IBytes(uint64(len(artifact))),
		100*float64(len(artifact))/max(float64(len(data)), 1),
		hdr.CacheKey)

	if opts.stub == "" {
		return osutil.WriteFileAtomic(opts.output, artifact, 0o644)
	}

	// Self-extracting mode: the artifact becomes a resource inside a
	// copy of the stub, positioned before any signature-bearing region
	// so the launcher's signature stays valid.
	stub, err := os.ReadFile(opts.stub)
	if err != nil {
		return err
	}
	if err := osutil.WriteFileAtomic(opts.output, stub, 0o755); err != nil {
		return err
	}
	inj, format, err := injector.For(opts.output)
	if err != nil {
		return err
	}
	log.Debugf(ctx, "%s: detected %v stub", opts.stub, format)
	if err := inj.Inject(opts.output, press.ResourceName, artifact, nil); err != nil {
		return err
	}
	log.Infof(ctx, "wrote self-extracting %s", opts.output)
	return nil
}

type decompressOptions struct {
	input  string
	output string
}

func newDecompressCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "decompress INPUT [--output PATH | -o PATH]",
		Short:                 "restore the original binary from an artifact",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(decompressOptions)
	c.Flags().StringVarP(&opts.output, "output", "o", "", "`path` to write the restored binary to")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		return runDecompress(cmd.Context(), opts)
	}
	return c
}

func runDecompress(ctx context.Context, opts *decompressOptions) error {
	artifact, err := readArtifact(opts.input)
	if err != nil {
		return err
	}
	data, err := press.Decompress(artifact)
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		output = defaultOutputName(opts.input)
	}
	if _, err := os.Lstat(output); err == nil {
		ok, err := confirmOverwrite(output)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("cancelled")
			return nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := osutil.WriteFileAtomic(output, data, 0o755); err != nil {
		return err
	}
	log.Infof(ctx, "restored %s (%s)", output, humanize.IBytes(uint64(len(data))))
	return nil
}

// defaultOutputName derives the restored binary's path from the
// artifact's: the compressed suffix is trimmed when present.
func defaultOutputName(input string) string {
	if out := strings.TrimSuffix(input, compressedSuffix); out != input {
		return out
	}
	return input + ".out"
}

// readArtifact reads a compressed artifact from path. The file may be
// a bare artifact or a self-extracting executable; in the latter case
// the artifact is found by scanning for the magic marker.
func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) >= press.MagicLen && string(data[:press.MagicLen]) == press.Magic() {
		return data, nil
	}
	off, err := press.FindHeader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data[off:], nil
}

func confirmOverwrite(path string) (bool, error) {
	fmt.Printf("%s already exists. Overwrite? [y/N] ", path)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && answer == "" {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func versionString() string {
	if binpackVersion == "" {
		return "(version unknown)"
	}
	return binpackVersion
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
			Output: log.New(os.Stderr, "binpack: ", log.StdFlags, nil),
		})
	})
}
