package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/output"
)

// lifecycleFlags are shared by the commands changing an instance.
type lifecycleFlags struct {
	async      bool
	sshKeyFile string
}

func (f *lifecycleFlags) options() backend.Options {
	return backend.Options{Sync: !f.async}
}

func (f *lifecycleFlags) sshKey() (string, error) {
	return readSSHKey(f.sshKeyFile)
}

// readSSHKey returns the content of the public key file at path, or "" when
// no path is given.
func readSSHKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read SSH key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newNewCmd(a *app) *cobra.Command {
	var flags lifecycleFlags
	cmd := &cobra.Command{
		Use:   "new <label> <template>",
		Short: "Create an instance from a template",
		Long: `Create a new instance labelled <label> from <template>.

<template> is a template name or id as shown by "vmctl templates".

Example:
  vmctl new web-1 debian-12 --ssh-key ~/.ssh/id_ed25519.pub`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := flags.sshKey()
			if err != nil {
				return err
			}
			return a.withBackend(cmd.Context(), func(b backend.Backend) error {
				_, err := b.New(cmd.Context(), args[0], args[1], key, flags.options())
				return err
			})
		},
	}
	addLifecycleFlags(cmd, &flags, true)
	return cmd
}

func newRebuildCmd(a *app) *cobra.Command {
	var flags lifecycleFlags
	cmd := &cobra.Command{
		Use:   "rebuild <label> <template>",
		Short: "Re-image an instance from a template",
		Long: `Stop the instance, re-image it from <template> and boot it again.

Not every backend can re-image an instance in place.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := flags.sshKey()
			if err != nil {
				return err
			}
			return a.withBackend(cmd.Context(), func(b backend.Backend) error {
				_, err := b.Rebuild(cmd.Context(), args[0], args[1], key, flags.options())
				return err
			})
		},
	}
	addLifecycleFlags(cmd, &flags, true)
	return cmd
}

// newPowerCmd builds start, stop and delete, which only take a label.
func newPowerCmd(a *app, name, short string) *cobra.Command {
	var flags lifecycleFlags
	cmd := &cobra.Command{
		Use:   name + " <label>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(b backend.Backend) error {
				ctx, label, opts := cmd.Context(), args[0], flags.options()
				switch name {
				case "start":
					return b.Start(ctx, label, opts)
				case "stop":
					return b.Stop(ctx, label, opts)
				default:
					return b.Delete(ctx, label, opts)
				}
			})
		},
	}
	addLifecycleFlags(cmd, &flags, false)
	return cmd
}

func addLifecycleFlags(cmd *cobra.Command, flags *lifecycleFlags, withKey bool) {
	cmd.Flags().BoolVar(&flags.async, "async", false, "return once the provider accepted the request")
	if withKey {
		cmd.Flags().StringVar(&flags.sshKeyFile, "ssh-key", "", "public key file authorized on the instance")
	}
}

// outputFlags are shared by the listing commands.
type outputFlags struct {
	format    string
	noHeaders bool
}

func (f *outputFlags) formatter() (output.Formatter, error) {
	if err := output.ValidateFormat(f.format); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{Format: output.Format(f.format), NoHeaders: f.noHeaders})
}

func addOutputFlags(cmd *cobra.Command, flags *outputFlags) {
	cmd.Flags().StringVarP(&flags.format, "output", "o", "table", "output format: table, yaml, json")
	cmd.Flags().BoolVar(&flags.noHeaders, "no-headers", false, "omit the header row in table output")
}

func newListCmd(a *app) *cobra.Command {
	var flags outputFlags
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances",
		Long: `List the instances the backend reports.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML stream, one document per instance
  -o json   JSON array`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := flags.formatter()
			if err != nil {
				return err
			}
			return a.withBackend(cmd.Context(), func(b backend.Backend) error {
				list, err := b.Instances(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list instances: %w", err)
				}
				result, err := formatter.FormatInstances(list)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), result)
				return err
			})
		},
	}
	addOutputFlags(cmd, &flags)
	return cmd
}

func newTemplatesCmd(a *app) *cobra.Command {
	var flags outputFlags
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the templates instances can be created from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := flags.formatter()
			if err != nil {
				return err
			}
			return a.withBackend(cmd.Context(), func(b backend.Backend) error {
				list, err := b.Templates(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list templates: %w", err)
				}
				result, err := formatter.FormatTemplates(list)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), result)
				return err
			})
		},
	}
	addOutputFlags(cmd, &flags)
	return cmd
}
