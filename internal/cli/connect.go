package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConnectCmd() *cobra.Command {
	var (
		host, username, password, keyPath, passphrase, via string
		port                                               int
		useAgent, noKeepAlive                              bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an SSH session the forwarding engine can dial through",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags()
			req := ConnectRequest{
				Host: host, Port: port, Username: username,
				Password: password, KeyPath: keyPath, Passphrase: passphrase,
				UseAgent: useAgent, Via: via,
			}
			if noKeepAlive {
				off := false
				req.KeepAlive = &off
			}
			status, err := client.Connect(req)
			if err != nil {
				return err
			}
			fmt.Printf("connected: %s@%s:%d (established=%v)\n",
				status.Identity.Username, status.Identity.Host, status.Identity.Port, status.Established)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "SSH server host (required)")
	cmd.Flags().IntVar(&port, "port", 22, "SSH server port")
	cmd.Flags().StringVar(&username, "user", "", "SSH username (required)")
	cmd.Flags().StringVar(&password, "password", "", "SSH password")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to private key file")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "private key passphrase")
	cmd.Flags().BoolVar(&useAgent, "use-agent", false, "also offer ssh-agent signing")
	cmd.Flags().StringVar(&via, "via", "", "existing session (user@host:port) to tunnel this session through")
	cmd.Flags().BoolVar(&noKeepAlive, "no-keep-alive", false, "disable periodic keep-alive probes")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")

	return cmd
}

func newDisconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect [user@host:port]",
		Short: "Close an SSH session and its dependent forwarders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags()
			if err := client.Disconnect(args[0]); err != nil {
				return err
			}
			fmt.Println("disconnected:", args[0])
			return nil
		},
	}
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List connected SSH sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags()
			sessions, err := client.ListSessions()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s@%s:%d\testablished=%v\n", s.Identity.Username, s.Identity.Host, s.Identity.Port, s.Established)
			}
			return nil
		},
	}
	return cmd
}
