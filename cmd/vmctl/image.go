package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	vmlibvirt "github.com/jbweber/vmctl/internal/libvirt"
	"github.com/jbweber/vmctl/internal/storage"
)

const connectTimeout = 10 * time.Second

// Image management talks to libvirt directly: only the libvirt backend has
// images of its own.
func newImageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage libvirt base images",
		Long: `Manage base OS images in the libvirt image pool.

Templates of the libvirt backend reference these images; boot disks are
created as copy-on-write overlays on top of them.`,
	}
	cmd.AddCommand(newImageImportCmd(a), newImageListCmd(a))
	return cmd
}

func newImageImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <source-path> <name>",
		Short: "Import an image into the image pool",
		Long: `Import a qcow2 or raw image from a local file into the image pool.

Example:
  vmctl image import /path/to/fedora-43.qcow2 fedora-43`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStorage(cmd.Context(), func(ctx context.Context, mgr *storage.Manager, pool string) error {
				info, err := mgr.ImportImage(ctx, pool, args[0], args[1])
				if err != nil {
					return fmt.Errorf("failed to import image: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Image %s imported into %s (%.1f GB)\n", info.Name, info.Pool, info.CapacityGB())
				return err
			})
		},
	}
}

func newImageListCmd(a *app) *cobra.Command {
	var flags outputFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the images of the image pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := flags.formatter()
			if err != nil {
				return err
			}
			return a.withStorage(cmd.Context(), func(ctx context.Context, mgr *storage.Manager, pool string) error {
				images, err := mgr.ListImages(ctx, pool)
				if err != nil {
					return fmt.Errorf("failed to list images: %w", err)
				}
				result, err := formatter.FormatImages(images)
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

// withStorage connects to the configured libvirt daemon and makes sure the
// image pool exists before running fn.
func (a *app) withStorage(ctx context.Context, fn func(context.Context, *storage.Manager, string) error) error {
	cfg := a.cfg.Libvirt
	client, err := vmlibvirt.Connect(ctx, cfg.URI, connectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			a.logger.Warn().Err(closeErr).Msg("failed to close libvirt connection")
		}
	}()

	mgr := storage.NewManager(client.Libvirt())
	if err := mgr.EnsurePools(ctx, cfg.ImagePool); err != nil {
		return fmt.Errorf("failed to ensure image pool: %w", err)
	}
	return fn(ctx, mgr, cfg.ImagePool)
}
