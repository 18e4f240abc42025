package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Dancode-188/pdfsync/server/internal/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List pdfsync servers on the local network",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

var discoverTimeout time.Duration

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 2*time.Second, "How long to wait for answers")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	found, err := discovery.Browse(cmd.Context(), discoverTimeout)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		cmd.Println("No servers found.")
		return nil
	}
	for _, addr := range found {
		cmd.Printf("http://%s\n", addr)
	}
	return nil
}
