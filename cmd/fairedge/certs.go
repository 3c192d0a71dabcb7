package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fairedge/fairedge/pkg/security"
)

func init() {
	rootCmd.AddCommand(certsCmd)
	certsCmd.Flags().String("dir", "./certs", "Directory the certificates are written to")
	certsCmd.Flags().String("node-name", "server", "Common name of the node certificate")
	certsCmd.Flags().StringSlice("hosts", []string{"127.0.0.1"}, "DNS names and IPs clients dial the node on")
	certsCmd.Flags().StringSlice("clients", nil, "Client names to generate certificates for")
}

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Generate the node and client certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		nodeName, _ := cmd.Flags().GetString("node-name")
		hosts, _ := cmd.Flags().GetStringSlice("hosts")
		clients, _ := cmd.Flags().GetStringSlice("clients")

		if err := security.GenerateNodeCert(dir, nodeName, hosts); err != nil {
			return err
		}
		fmt.Printf("Node certificate written to %s/server.crt\n", dir)

		for _, name := range clients {
			if err := security.GenerateClientCert(dir, name); err != nil {
				return err
			}
			fmt.Printf("Client certificate written to %s/%s.crt\n", dir, name)
		}
		if len(clients) > 0 {
			fmt.Printf("Trusted bundle written to %s/%s\n", dir, security.BundleFile)
		}
		return nil
	},
}
