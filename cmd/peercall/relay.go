package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/peercall/internal/relay"
	"github.com/1ureka/peercall/internal/util"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a development signaling relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv := relay.NewServer()
		addr, err := srv.Start(conf.RelayAddr)
		if err != nil {
			return err
		}
		util.LogSuccess("relay ready on ws://%s", addr)

		<-cmd.Context().Done()
		util.LogInfo("shutting down relay")
		return srv.Close()
	},
}

func init() {
	relayCmd.Flags().String("addr", "", "listen address (default :7003)")
	bind(relayCmd.Flags().Lookup("addr"), "relay_addr")
	rootCmd.AddCommand(relayCmd)
}
