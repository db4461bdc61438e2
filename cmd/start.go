package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oakenlab/dhtprobe/p2p/kademlia"
	"github.com/oakenlab/dhtprobe/pkg/logtrace"
)

var debugLogging bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DHT node",
	Long: `Start the DHT node: bind the UDP port, ping the bootstrap node and
run the dispatch loop until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if debugLogging {
			logLevel = slog.LevelDebug
		}
		logtrace.Setup("dhtprobe", version, logLevel)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ctx = logtrace.CtxWithCorrelationID(ctx, logtrace.NewCorrelationID())

		id := nodeIdentity(appConfig.P2P.IdentitySeed)
		bootstrap, err := appConfig.Bootstrap()
		if err != nil {
			return err
		}

		node, err := kademlia.NewNode(id, appConfig.P2P.ListenAddress, appConfig.P2P.Port, bootstrap, kademlia.EngineOptions{
			QueryTimeout: appConfig.QueryTimeout(),
			BanTTL:       appConfig.BanTTL(),
		})
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logtrace.Info(ctx, "Received termination signal, shutting down", nil)
			cancel()
		}()

		return node.Run(ctx)
	},
}

func init() {
	startCmd.Flags().BoolVar(&debugLogging, "debug", false, "enable debug logging")
	rootCmd.AddCommand(startCmd)
}
