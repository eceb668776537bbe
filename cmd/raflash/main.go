// command raflash is a firmware update tool for Renesas RA-family MCUs
// speaking the serial boot firmware protocol over USB-CDC or raw UART.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raflash.dev/device"
	"raflash.dev/session"
	"raflash.dev/transport"
)

var version = "dev"

type options struct {
	port     string
	baudrate int
	uartMode bool
	idCode   string
	eraseAll bool
	quiet    bool
}

var opts options

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "raflash",
		Short:         "Renesas RA serial boot firmware update tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.port, "port", "p", "", "serial port (auto-detect if omitted)")
	pf.IntVarP(&opts.baudrate, "baudrate", "b", 0, "UART baud rate to negotiate")
	pf.BoolVarP(&opts.uartMode, "uart", "u", false, "plain UART mode (P109/P110 pins)")
	pf.StringVarP(&opts.idCode, "id", "i", "", "ID code for authentication (32 hex chars)")
	pf.BoolVarP(&opts.eraseAll, "erase-all", "e", false, "authenticate with the ALeRASE magic ID")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress and diagnostics")

	root.AddCommand(
		newInfoCommand(),
		newReadCommand(),
		newWriteCommand(),
		newVerifyCommand(),
		newEraseCommand(),
		newBlankCheckCommand(),
		newCRCCommand(),
		newDLMCommand(),
		newDLMTransitCommand(),
		newDLMAuthCommand(),
		newBoundaryCommand(),
		newBoundarySetCommand(),
		newParamCommand(),
		newParamSetCommand(),
		newInitCommand(),
		newOSISCommand(),
		newConfigReadCommand(),
		newStatusCommand(),
		newRawCommand(),
	)
	root.AddCommand(newKeyCommands()...)
	return root
}

// initConfig layers defaults from ~/.config/raflash.yaml and RAFLASH_*
// environment variables under the command-line flags.
func initConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetConfigName("raflash")
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix("raflash")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}
	flags := cmd.Root().PersistentFlags()
	if !flags.Changed("port") && v.IsSet("port") {
		opts.port = v.GetString("port")
	}
	if !flags.Changed("baudrate") && v.IsSet("baudrate") {
		opts.baudrate = v.GetInt("baudrate")
	}
	if !flags.Changed("uart") && v.IsSet("uart") {
		opts.uartMode = v.GetBool("uart")
	}
	if !flags.Changed("quiet") && v.IsSet("quiet") {
		opts.quiet = v.GetBool("quiet")
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if opts.quiet {
		logrus.SetLevel(logrus.WarnLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

// withDevice opens the transport, runs the handshake, queries the
// memory map, optionally renegotiates the baud rate and authenticates,
// then hands the connected device to fn. Teardown runs on every path;
// raw-UART sessions are asked back to 9600 bps on close.
func withDevice(fn func(d *device.Device) error) error {
	name := opts.port
	if name == "" {
		if opts.uartMode {
			return errors.New("UART mode requires an explicit --port")
		}
		info, err := transport.Find()
		if err != nil {
			return err
		}
		logrus.Infof("auto-detected %s (%s, serial %s)", info.Name, info.Product, info.Serial)
		name = info.Name
	}

	port, err := transport.Open(name)
	if err != nil {
		return err
	}
	defer port.Close()

	sess := session.New(port)
	sess.UARTMode = opts.uartMode
	if err := sess.Connect(); err != nil {
		return err
	}
	defer sess.Close()

	d := device.New(port)
	if err := d.QueryAreas(); err != nil {
		return err
	}

	if opts.baudrate > 0 && opts.baudrate != transport.DefaultBaudrate {
		if err := negotiateBaudrate(sess, d, opts.baudrate); err != nil {
			return err
		}
	}

	id, err := authID()
	if err != nil {
		return err
	}
	if id != nil {
		if err := d.Authenticate(id); err != nil {
			return err
		}
		logrus.Info("ID authentication successful")
	}

	return fn(d)
}

// negotiateBaudrate raises the line rate, falling back to 115200 when
// the requested rate does not take.
func negotiateBaudrate(sess *session.Session, d *device.Device, rate int) error {
	sig, err := d.QuerySignature()
	if err != nil {
		return err
	}
	if uint32(rate) > sig.RMB {
		best := transport.BestRate(int(sig.RMB))
		logrus.Warnf("%d bps exceeds the device maximum %d bps, using %d", rate, sig.RMB, best)
		rate = best
	}
	if err := sess.SetBaudrate(rate); err == nil {
		return nil
	} else if rate <= 115200 {
		return err
	} else {
		logrus.Warnf("baud rate %d failed, falling back to 115200: %v", rate, err)
	}
	return sess.SetBaudrate(115200)
}

// authID resolves the --erase-all and --id flags into an ID code.
func authID() ([]byte, error) {
	if opts.eraseAll {
		if opts.idCode != "" {
			return nil, errors.New("--erase-all and --id are mutually exclusive")
		}
		logrus.Warn("ALeRASE requires OSIS[127:126]=10b (locked with all-erase support)")
		return device.ALeRASEID, nil
	}
	if opts.idCode == "" {
		return nil, nil
	}
	s := strings.TrimPrefix(strings.TrimPrefix(opts.idCode, "0x"), "0X")
	id, err := hex.DecodeString(s)
	if err != nil || len(id) != device.IDCodeLen {
		return nil, fmt.Errorf("ID code must be %d hex bytes", device.IDCodeLen)
	}
	return id, nil
}

// parseHex accepts addresses and sizes with or without a 0x prefix.
func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q", s)
	}
	return uint32(v), nil
}

func formatSize(bytes uint32) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%d MB", bytes/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%d KB", bytes/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
