// Command otaboot patches Android OTA payloads for root access (Magisk
// or a caller-supplied prepatched boot image) or re-signs them
// unmodified, per the patch/extract/magisk-info subcommands below.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"otaboot"
)

var log = logrus.New()

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	root := &cobra.Command{
		Use:           "otaboot",
		Short:         "Patch and inspect Android OTA payloads and boot images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			log.SetLevel(logrus.DebugLevel)
		}
	}

	root.AddCommand(newPatchCmd())
	root.AddCommand(newExtractCmd())
	root.AddCommand(newMagiskInfoCmd())

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error's Kind to a process exit status. Unknown errors
// (not raised through otaboot.NewError) get a generic failure code.
func exitCode(err error) int {
	switch otaboot.KindOf(err) {
	case otaboot.InvalidArgument:
		return 2
	case otaboot.NotFound:
		return 3
	case otaboot.UnsupportedFormat:
		return 4
	case otaboot.Corrupt:
		return 5
	case otaboot.IncompatibleImage:
		return 6
	case otaboot.KeyMismatch:
		return 7
	case otaboot.SigningFailure:
		return 8
	case otaboot.Io:
		return 9
	default:
		return 1
	}
}
