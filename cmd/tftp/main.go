package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Wa4h1h/tftpd/pkg/client"
	"github.com/Wa4h1h/tftpd/pkg/utils"
)

var (
	host     string
	port     string
	logLevel string
	numTries uint
)

var rootCmd = &cobra.Command{
	Use:   "tftp",
	Short: "interactive tftp client",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := utils.NewLogger(logLevel).Sugar()
		c := client.NewClient(l, numTries)

		if host != "" {
			if err := c.Connect(fmt.Sprintf("%s:%s", host, port)); err != nil {
				return err
			}
		}

		defer func(c client.Connector) {
			if err := c.Close(); err != nil {
				l.Error(err.Error())
			}
		}(c)

		client.NewCli(l, c).Read()

		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&host, "host", "H", "", "server host to connect to")
	rootCmd.Flags().StringVarP(&port, "port", "p",
		utils.GetEnv[string]("TFTP_PORT", "69", false), "server udp port")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l",
		utils.GetEnv[string]("TFTP_LOG_LEVEL", "info", false), "log level")
	rootCmd.Flags().UintVarP(&numTries, "tries", "n",
		utils.GetEnv[uint]("TFTP_NUM_TRIES", "5", false), "send attempts per packet before giving up")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
