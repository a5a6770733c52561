package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// options are the command line overrides of the configuration file.
type options struct {
	configPath  string
	mode        string
	host        string
	port        int
	partnerType string
	interactive bool
}

var _rootOpts options

var rootCmd = &cobra.Command{
	Use:   "fingerprint [echo|mockup|tcpip|0|1|2]",
	Short: "Serve a Fingerprint module over MQTT, HTTP and WebSocket",
	Long: `Serve a Fingerprint module.

The optional run mode selects the backend and takes precedence over
--mode and the configuration file:
  echo   (0)  answer every command immediately
  mockup (1)  simulate the sensor
  tcpip  (2)  drive a device over the link protocol`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		opts := _rootOpts
		if len(args) == 1 {
			opts.mode = args[0]
		}
		return run(cmd.Context(), opts)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&_rootOpts.configPath, "config", "c", "", "configuration file (default $FINGERPRINT_CONFIG or "+defaultConfigPath+")")
	rootCmd.Flags().StringVar(&_rootOpts.mode, "mode", "", "run mode: echo, mockup or tcpip")
	rootCmd.Flags().StringVar(&_rootOpts.host, "host", "", "linked device host (tcpip mode)")
	rootCmd.Flags().IntVar(&_rootOpts.port, "port", 0, "linked device port (tcpip mode)")
	rootCmd.Flags().StringVar(&_rootOpts.partnerType, "partner-type", "", "partner type announced to the device: reader or management")
	rootCmd.Flags().BoolVarP(&_rootOpts.interactive, "interactive", "i", false, "start the operator console")
}

// getConfigPath returns the configuration file path and whether it was
// chosen explicitly. FINGERPRINT_CONFIG is used when no flag is given.
func getConfigPath(flag string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	if path := os.Getenv("FINGERPRINT_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig reads the configuration file and applies the command line
// overrides. A missing default file falls back to the built-in defaults;
// an explicitly named file must exist.
func loadConfig(opts options) (*config.Config, string, error) {
	path, explicit := getConfigPath(opts.configPath)

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg, path = config.Default(), ""
	default:
		return nil, path, err
	}

	if opts.mode != "" {
		mode, err := config.ParseMode(opts.mode)
		if err != nil {
			return nil, path, err
		}
		cfg.Backend.Mode = mode
	}
	if opts.host != "" {
		cfg.Backend.Linked.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Backend.Linked.Port = opts.port
	}
	if opts.partnerType != "" {
		cfg.Backend.Linked.PartnerType = opts.partnerType
	}

	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("validating config: %w", err)
	}
	return cfg, path, nil
}
