// Package cmd wires the dhtprobe command-line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/oakenlab/dhtprobe/config"
)

var (
	cfgFile   string
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dhtprobe",
	Short: "A BitTorrent DHT bootstrap-and-expand client node",
	Long: `dhtprobe joins the BitTorrent distributed hash table by pinging a
well-known bootstrap node, then grows its routing table by asking live nodes
for contacts near random targets and pinging every new contact it learns of.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			appConfig = config.Default()
			return nil
		}
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		appConfig = cfg
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config.yaml (defaults apply when omitted)")
}
