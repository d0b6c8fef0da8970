package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "cowsim",
		Short: "Simulate a firmware upgrade over the bootloader's USB Ethernet link",
		Long: `cowsim runs the bootloader network stack against a scripted host on an
in-process link. The host leases an address over DHCP, resolves the device
with ARP and uploads an image to the upgrade service. The resulting flash
contents are written to a file.

Examples:
  cowsim --image app.bin --out flash.bin
  cowsim --image app.bin --pcap link.pcap --mss 64 --log-level debug
  COWSIM_MSS=128 cowsim -c cowsim.yaml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()
			res, err := run(cfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d bytes in %d segments, %d bytes programmed (%d erases, %d writes)\n",
				res.imageSize, res.segments, res.written, res.erases, res.writes)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path (yaml, toml or json)")
	flags.String("image", "", "firmware image to upload")
	flags.String("out", "flash.bin", "output file for the programmed flash region")
	flags.String("pcap", "", "write every frame on the link to this pcap file")
	flags.Int("mss", 512, "largest TCP payload sent by the host")
	flags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flags.String("log-file", "", "log to a rotated file instead of stderr")
	flags.Uint32("flash-size", 256*1024, "size of the application flash region in bytes")
	return cmd
}
