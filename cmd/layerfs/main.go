// Command layerfs mounts a copy-on-write overlay of a read-only
// source tree onto a mountpoint, materializing writes into a
// separate upper directory on first modification.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zwimer/LayerFS/internal/overlayfs"
)

func newRootCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "layerfs SOURCE LAYER_STORAGE MOUNTPOINT",
		Short: "Mount a copy-on-write overlay filesystem",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return run(args[0], args[1], args[2])
		},
		SilenceUsage: true,
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// run delegates all startup validation (source/layer-storage/mountpoint
// checks) to overlayfs.Mount rather than duplicating it here, so there
// is exactly one place those preconditions are enforced.
func run(source, layerStorage, mountpoint string) error {
	ov, err := overlayfs.Mount(overlayfs.Options{
		Lower:      source,
		Upper:      layerStorage,
		Mountpoint: mountpoint,
	})
	if err != nil {
		return fmt.Errorf("mounting %s: %w", mountpoint, err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Infof("layerfs: received signal, unmounting %s", mountpoint)
	return ov.Unmount()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}
