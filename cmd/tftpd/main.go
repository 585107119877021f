package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wa4h1h/tftpd/pkg/server"
	"github.com/Wa4h1h/tftpd/pkg/utils"
)

var (
	port     string
	binds    []string
	logLevel string
	timeout  uint
	numTries uint
	baseDir  string
	trace    bool
)

var rootCmd = &cobra.Command{
	Use:   "tftpd",
	Short: "event-driven tftp server",
	Long: `tftpd serves read and write requests from a base directory over a
single-threaded event loop (RFC 1350 with blksize, timeout and tsize
option negotiation).`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&port, "port", "p",
		utils.GetEnv[string]("TFTP_PORT", "69", false), "udp port to listen on")
	rootCmd.Flags().StringSliceVarP(&binds, "bind", "b",
		[]string{"0.0.0.0"}, "addresses to bind")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l",
		utils.GetEnv[string]("LOG_LEVEL", "debug", false), "log level")
	rootCmd.Flags().UintVarP(&timeout, "timeout", "t",
		utils.GetEnv[uint]("TFTP_TIMEOUT", "5", false), "retransmit interval in seconds")
	rootCmd.Flags().UintVarP(&numTries, "tries", "n",
		utils.GetEnv[uint]("NUM_TRIES", "10", false), "retransmits before a transfer is dropped")
	rootCmd.Flags().StringVarP(&baseDir, "dir", "d",
		utils.GetEnv[string]("TFTP_BASE_DIR", "", false), "base directory served over tftp")
	rootCmd.Flags().BoolVar(&trace, "trace", false, "log every transferred block")
}

func run(cmd *cobra.Command, args []string) error {
	l := utils.NewLogger(logLevel).Sugar()

	if baseDir == "" {
		baseDir = utils.UserHomeDirPath()
	}

	cfg := &server.Config{
		Port:      port,
		BindAddrs: binds,
		Timeout:   time.Duration(timeout) * time.Second,
		NumTries:  int(numTries),
		Trace:     trace,
	}

	s := server.NewServer(l, server.FileRrqFactory(baseDir), server.FileWrqFactory(baseDir), cfg)

	go func() {
		if err := s.ListenAndServe(); err != nil {
			l.Error(err.Error())
		}
	}()

	l.Info(fmt.Sprintf("listening on port %s, serving %s", port, baseDir))

	defer func() {
		if err := s.Close(); err != nil {
			panic(err)
		}

		l.Info(fmt.Sprintf("closed listeners on port %s", port))
	}()

	// listen shutdown signal
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
