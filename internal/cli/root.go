package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	serverURL string
	authToken string
)

// NewRootCmd builds the tunnelctl root command: viper reads a config
// file plus SSHFWD_-prefixed environment variables, flags override
// both.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelctl",
		Short: "Operate an sshfwd forwarding engine from the terminal",
	}

	cobra.OnInitialize(initConfig)

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.tunnelctl.yaml)")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "API server base URL")
	root.PersistentFlags().StringVar(&authToken, "token", "", "API bearer token")

	viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", root.PersistentFlags().Lookup("token"))

	root.AddCommand(newConnectCmd())
	root.AddCommand(newDisconnectCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newForwardCmd())

	return root
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".tunnelctl")
		}
	}

	viper.SetEnvPrefix("SSHFWD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func clientFromFlags() *Client {
	url := viper.GetString("server")
	if url == "" {
		url = serverURL
	}
	token := viper.GetString("token")
	if token == "" {
		token = authToken
	}
	return NewClient(url, token)
}
