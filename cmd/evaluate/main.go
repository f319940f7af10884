// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command evaluate parses raw measurement output and analyzes it into
// tables, graphs and a summary.
//
// Usage:
//
//	evaluate -i <input dir> -o <output dir> [-a | -p] [-d] [-m]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AleutianAI/evaluate/services/evaluate/phase"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

// runCLI runs one invocation and returns the process exit code.
//
// Exit codes:
//
//	0 - success or -h
//	1 - missing directories, unusable output path or a failed phase
//	2 - malformed options or unexpected arguments
func runCLI(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &options{}
	cmd := newRootCommand(opts, stdout, stderr)
	cmd.SetArgs(args)
	return exitCode(cmd.ExecuteContext(ctx), stderr)
}

// =============================================================================
// Options
// =============================================================================

// options holds the parsed command line.
type options struct {
	input        string
	output       string
	modes        []phase.Mode
	autoDetect   bool
	multiProcess bool
	configFile   string
	logLevel     string
	logFormat    string
}

// modeFlag is a boolean flag that records its mode in command-line order,
// so the last of -a and -p wins.
type modeFlag struct {
	mode    phase.Mode
	choices *[]phase.Mode
}

func (f *modeFlag) String() string { return "false" }

func (f *modeFlag) Set(v string) error {
	on, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	if on {
		*f.choices = append(*f.choices, f.mode)
	}
	return nil
}

func (f *modeFlag) Type() string { return "bool" }

// =============================================================================
// Errors
// =============================================================================

// usageError is a malformed command line. Exit code 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// invocationError is a well-formed command line missing something
// required. Exit code 1.
type invocationError struct {
	msg string
}

func (e *invocationError) Error() string { return e.msg }

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "evaluate: %v\nRun 'evaluate -h' for usage.\n", err)
		return 2
	}
	var invErr *invocationError
	if errors.As(err, &invErr) {
		fmt.Fprintf(stderr, "evaluate: %v\nRun 'evaluate -h' for usage.\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "evaluate: %v\n", err)
	return 1
}

// =============================================================================
// Command
// =============================================================================

func newRootCommand(opts *options, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate -i <input dir> [-o <output dir>] [-a | -p] [-d] [-m]",
		Short: "Parse and analyze measurement output",
		Long: `evaluate turns the raw output of a measurement run into parsed results
and analyzes them into per-series tables, graphs and a summary.

Without -a or -p both phases run. With -a, results parsed by an earlier
run are reloaded from the input directory and the output directory
defaults to the input directory. When both are given the last one wins.

With -d, MEASURE_TIME and REPORT_INTERVAL from the run descriptor set the
plotted time span and the bucket width.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{err: fmt.Errorf("unexpected arguments: %v", args)}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringVarP(&opts.input, "input", "i", "", "input directory (raw output, or parsed results with -a)")
	flags.StringVarP(&opts.output, "output", "o", "", "output directory (defaults to the input directory with -a)")
	flags.VarPF(&modeFlag{mode: phase.ModeAnalyze, choices: &opts.modes}, "analyze", "a", "only analyze previously parsed results").NoOptDefVal = "true"
	flags.VarPF(&modeFlag{mode: phase.ModeParse, choices: &opts.modes}, "parse", "p", "only parse").NoOptDefVal = "true"
	flags.BoolVarP(&opts.autoDetect, "auto-detect", "d", false, "set analysis tunables from the run descriptor")
	flags.BoolVarP(&opts.multiProcess, "multi-process", "m", false, "parse and analyze concurrently")
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text, json")
	return cmd
}

// resolveDirs applies the directory rules to opts.
func resolveDirs(opts *options, mode phase.Mode) (string, string, error) {
	if opts.input == "" {
		return "", "", &invocationError{msg: "an input directory is required (-i)"}
	}
	output := opts.output
	if output == "" {
		if mode != phase.ModeAnalyze {
			return "", "", &invocationError{msg: "an output directory is required (-o) unless only analyzing (-a)"}
		}
		output = opts.input
	}
	return opts.input, output, nil
}
