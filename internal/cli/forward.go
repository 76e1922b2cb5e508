package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Manage forwarding rules",
	}
	cmd.AddCommand(newForwardAddCmd())
	cmd.AddCommand(newForwardStartCmd())
	cmd.AddCommand(newForwardStopCmd())
	cmd.AddCommand(newForwardRemoveCmd())
	cmd.AddCommand(newForwardListCmd())
	cmd.AddCommand(newForwardStatusCmd())
	cmd.AddCommand(newForwardConnectionsCmd())
	return cmd
}

func newForwardAddCmd() *cobra.Command {
	var req CreateForwarderRequest

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new forwarding rule against an existing session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags()
			id, err := client.AddForwarder(req)
			if err != nil {
				return err
			}
			fmt.Println("added forwarder:", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Type, "type", "local", "local|remote|dynamic|internal")
	cmd.Flags().StringVar(&req.Host, "host", "", "session host (required)")
	cmd.Flags().IntVar(&req.Port, "port", 22, "session port")
	cmd.Flags().StringVar(&req.Username, "user", "", "session username (required)")
	cmd.Flags().StringVar(&req.LocalHost, "local-host", "127.0.0.1", "local bind host (local/internal)")
	cmd.Flags().IntVar(&req.LocalPort, "local-port", 0, "local bind port (local/internal)")
	cmd.Flags().StringVar(&req.RemoteHost, "remote-host", "", "remote target host (local/remote)")
	cmd.Flags().IntVar(&req.RemotePort, "remote-port", 0, "remote target port (local/remote); 0 picks an ephemeral port for remote")
	cmd.Flags().StringVar(&req.BindHost, "bind-host", "127.0.0.1", "SOCKS5 bind host (dynamic)")
	cmd.Flags().IntVar(&req.BindPort, "bind-port", 0, "SOCKS5 bind port (dynamic)")
	cmd.Flags().StringVar(&req.InternalHost, "internal-host", "", "fixed target host (internal)")
	cmd.Flags().IntVar(&req.InternalPort, "internal-port", 0, "fixed target port (internal)")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")

	return cmd
}

func newForwardStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [id]",
		Short: "Start a registered forwarding rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFromFlags().StartForwarder(args[0])
		},
	}
}

func newForwardStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [id]",
		Short: "Stop a running forwarding rule without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFromFlags().StopForwarder(args[0])
		},
	}
}

func newForwardRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm [id]",
		Aliases: []string{"remove"},
		Short:   "Stop (if running) and deregister a forwarding rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFromFlags().RemoveForwarder(args[0])
		},
	}
}

func newForwardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List every registered forwarding rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := clientFromFlags().ListForwarders()
			if err != nil {
				return err
			}
			for _, st := range statuses {
				fmt.Printf("%s\t%s\tactive=%v\tconns=%d\tsent=%d\trecv=%d\n",
					st.ID, st.Kind, st.Active, st.ConnectionCount, st.BytesSent, st.BytesReceived)
			}
			return nil
		},
	}
}

func newForwardConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections [id]",
		Short: "List the live connections a forwarding rule is proxying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := clientFromFlags().ForwarderConnections(args[0])
			if err != nil {
				return err
			}
			for _, c := range conns {
				fmt.Printf("%s\tpeer=%s\tsent=%d\trecv=%d\n", c.ID, c.PeerAddr, c.BytesSent, c.BytesReceived)
			}
			return nil
		},
	}
}

func newForwardStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show one forwarding rule's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFromFlags().ForwarderStatusByID(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\tactive=%v\tconns=%d\tsent=%d\trecv=%d\tuptime=%.0fs\n",
				st.ID, st.Kind, st.Active, st.ConnectionCount, st.BytesSent, st.BytesReceived, st.UptimeSeconds)
			if st.LastError != "" {
				fmt.Println("last error:", st.LastError)
			}
			return nil
		},
	}
}
