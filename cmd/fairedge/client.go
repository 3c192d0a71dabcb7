package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fairedge/fairedge/pkg/client"
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(terminateCmd)

	for _, cmd := range []*cobra.Command{submitCmd, terminateCmd} {
		cmd.Flags().String("server", "127.0.0.1:8888", "Node address")
		cmd.Flags().String("cert", "client.crt", "Client certificate")
		cmd.Flags().String("key", "client.key", "Client private key")
		cmd.Flags().String("node-cert", "server.crt", "Node certificate to trust")
		cmd.Flags().String("server-name", "server", "Expected node certificate name")
	}

	submitCmd.Flags().Int("priority", 1, "Job priority, 1 (low) to 3 (high)")
	submitCmd.Flags().String("ports", "", "Comma-separated container ports to publish")
	submitCmd.Flags().Int("comms-port", 8889, "Local port the node calls back on")
	submitCmd.Flags().String("ssh-key", "", "Public key installed in the container")
	submitCmd.Flags().Bool("wait", false, "Wait for the start notification")
}

func clientFromFlags(cmd *cobra.Command) (*client.Client, client.Credentials, error) {
	addr, _ := cmd.Flags().GetString("server")
	creds := client.Credentials{}
	creds.CertFile, _ = cmd.Flags().GetString("cert")
	creds.KeyFile, _ = cmd.Flags().GetString("key")
	creds.NodeCertFile, _ = cmd.Flags().GetString("node-cert")
	creds.ServerName, _ = cmd.Flags().GetString("server-name")

	c, err := client.NewClient(addr, creds)
	return c, creds, err
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}

		priority, _ := cmd.Flags().GetInt("priority")
		ports, _ := cmd.Flags().GetString("ports")
		commsPort, _ := cmd.Flags().GetInt("comms-port")
		keyPath, _ := cmd.Flags().GetString("ssh-key")
		wait, _ := cmd.Flags().GetBool("wait")

		var key []byte
		if keyPath != "" {
			if key, err = os.ReadFile(keyPath); err != nil {
				return fmt.Errorf("failed to read public key: %w", err)
			}
		}

		var ln *client.Listener
		if wait {
			if ln, err = client.Listen(commsPort, creds, key); err != nil {
				return err
			}
			defer ln.Close()
		}

		jobID, err := c.Submit(priority, ports, commsPort)
		var refused *client.RefusedError
		if errors.As(err, &refused) {
			return fmt.Errorf("node refused the job: %s", refused.Reason)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Job %d queued\n", jobID)

		if !wait {
			return nil
		}
		ev, err := ln.Next()
		if err != nil {
			return err
		}
		if ev.Started != nil {
			fmt.Printf("Job %d started, ports:\n", ev.Started.JobID)
			for containerPort, hostPort := range ev.Started.Ports {
				fmt.Printf("  %s -> %d\n", containerPort, hostPort)
			}
		}
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <job-id>",
	Short: "Terminate a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}

		var jobID int64
		if _, err := fmt.Sscanf(args[0], "%d", &jobID); err != nil {
			return fmt.Errorf("job id must be a number, got %q", args[0])
		}

		wasWaiting, err := c.Terminate(jobID)
		var refused *client.RefusedError
		if errors.As(err, &refused) {
			return fmt.Errorf("node refused the request: %s", refused.Reason)
		}
		if err != nil {
			return err
		}
		if wasWaiting {
			fmt.Printf("Job %d removed from the queue before running\n", jobID)
		} else {
			fmt.Printf("Job %d queued for termination\n", jobID)
		}
		return nil
	},
}
