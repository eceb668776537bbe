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

	"raflash.dev/device"
	"raflash.dev/hexfile"
	"raflash.dev/rpd"
)

// rangeFlags holds the -a/-s pair shared by the flash commands, plus
// the --area shorthand that targets a whole area kind.
type rangeFlags struct {
	address string
	size    string
	area    string
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&r.address, "address", "a", "0", "start address (hex)")
	cmd.Flags().StringVarP(&r.size, "size", "s", "0", "size in bytes (hex)")
	cmd.Flags().StringVar(&r.area, "area", "", "target a whole area instead (code|code1|data|config)")
}

func (r *rangeFlags) parse() (start, size uint32, err error) {
	if start, err = parseHex(r.address); err != nil {
		return
	}
	size, err = parseHex(r.size)
	return
}

// resolve applies --area once the memory map is known: the span of all
// areas with the matching kind-of-area code wins over -a/-s.
func (r *rangeFlags) resolve(d *device.Device, start, size uint32) (uint32, uint32, error) {
	if r.area == "" {
		return start, size, nil
	}
	var koa byte
	switch strings.ToLower(r.area) {
	case "code", "code0":
		koa = device.KOACodeBank0
	case "code1":
		koa = device.KOACodeBank1
	case "data":
		koa = device.KOADataFlash
	case "config":
		koa = device.KOAConfig
	default:
		return 0, 0, fmt.Errorf("unknown area %q (use code|code1|data|config)", r.area)
	}
	sad, ead, err := d.Span(koa)
	if err != nil {
		return 0, 0, err
	}
	return sad, ead - sad + 1, nil
}

// wholeAreaSize substitutes the remainder of the containing area when
// no size was given.
func wholeAreaSize(d *device.Device, start, size uint32) (uint32, error) {
	if size > 0 {
		return size, nil
	}
	area, err := d.FindArea(start)
	if err != nil {
		return 0, err
	}
	return area.EAD - start + 1, nil
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device and memory information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(printInfo)
		},
	}
}

func printInfo(d *device.Device) error {
	sig, err := d.QuerySignature()
	if err != nil {
		return err
	}
	fmt.Printf("Device Group:       %s (TYP=0x%02X)\n", sig.Group(), sig.TYP)
	fmt.Printf("Boot Firmware:      v%d.%d.%d\n", sig.BFV[0], sig.BFV[1], sig.BFV[2])
	fmt.Printf("Max UART Baudrate:  %d bps\n", sig.RMB)
	fmt.Printf("Number of Areas:    %d (%s)\n", sig.NOA, sig.BankMode())
	fmt.Printf("Device ID:          %X\n", sig.DID)
	did := sig.DecodeDID()
	fmt.Printf("  Wafer Fab:        %s\n", did.WaferFab)
	fmt.Printf("  Manufacturing:    %04d-%02d-%02d\n", did.Year, did.Month, did.Day)
	fmt.Printf("  Lot Number:       %s\n", did.Lot)
	fmt.Printf("  Wafer/X/Y:        %d / %d / %d\n", did.Wafer, did.X, did.Y)
	if sig.PTN != "" {
		fmt.Printf("Product Name:       %s\n", sig.PTN)
		fmt.Printf("CPU Core:           %s\n", sig.CPUCore())
	}
	if state, err := d.DLM(); err == nil {
		fmt.Printf("DLM State:          %s (0x%02X)\n", state, byte(state))
	}
	fmt.Println()
	printAreas(d)
	return nil
}

func printAreas(d *device.Device) {
	var code, data, config uint32
	for i, a := range d.Areas {
		fmt.Printf("Area %d [%s] (KOA=0x%02X): 0x%08X - 0x%08X\n", i, a.Kind(), a.KOA, a.SAD, a.EAD)
		fmt.Printf("       Size: %-8s  Erase: %-8s  Write: %-8s  Read: %-8s  CRC: %s\n",
			formatSize(a.Size()), formatUnit(a.EAU), formatUnit(a.WAU), formatUnit(a.RAU), formatUnit(a.CAU))
		switch a.KOA >> 4 {
		case 0x0:
			code += a.Size()
		case 0x1:
			data += a.Size()
		case 0x2:
			config += a.Size()
		}
	}
	fmt.Println("Memory:")
	if code > 0 {
		fmt.Printf("  Code Flash: %s\n", formatSize(code))
	}
	if data > 0 {
		fmt.Printf("  Data Flash: %s\n", formatSize(data))
	}
	if config > 0 {
		fmt.Printf("  Config:     %s\n", formatSize(config))
	}
}

func formatUnit(u uint32) string {
	if u == 0 {
		return "n/a"
	}
	return formatSize(u)
}

func newReadCommand() *cobra.Command {
	var rf rangeFlags
	var format string
	cmd := &cobra.Command{
		Use:   "read <file>",
		Short: "Read flash memory to file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, size, err := rf.parse()
			if err != nil {
				return err
			}
			f, err := hexfile.ParseFormat(format)
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				start, size, err := rf.resolve(d, start, size)
				if err != nil {
					return err
				}
				if size, err = wholeAreaSize(d, start, size); err != nil {
					return err
				}
				pb := attachProgress(d, "reading")
				data, err := d.ReadRange(start, size)
				pb.finish()
				if err != nil {
					return err
				}
				if uint32(len(data)) > size {
					data = data[:size]
				}
				return hexfile.Write(args[0], f, data, start)
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&format, "format", "auto", "output format (bin|ihex|srec|auto)")
	return cmd
}

// resolveImage loads a firmware image and settles its start address:
// an explicit -a wins, then the address carried by the file format.
func resolveImage(path, format string, rf *rangeFlags, changedAddr bool) (*hexfile.File, uint32, error) {
	f, err := hexfile.ParseFormat(format)
	if err != nil {
		return nil, 0, err
	}
	img, err := hexfile.Parse(path, f)
	if err != nil {
		return nil, 0, err
	}
	start, size, err := rf.parse()
	if err != nil {
		return nil, 0, err
	}
	if !changedAddr && img.HasAddr {
		start = img.BaseAddr
	}
	if size > 0 && size < uint32(len(img.Data)) {
		img.Data = img.Data[:size]
	}
	return img, start, nil
}

func newWriteCommand() *cobra.Command {
	var rf rangeFlags
	var format string
	var verify bool
	cmd := &cobra.Command{
		Use:   "write <file>",
		Short: "Write file to flash memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, start, err := resolveImage(args[0], format, &rf, cmd.Flags().Changed("address"))
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				pb := attachProgress(d, "writing")
				err := d.Write(start, img.Data, verify)
				pb.finish()
				if err != nil {
					return err
				}
				if verify {
					fmt.Println("Verify complete")
				}
				fmt.Printf("Wrote %s at 0x%08X\n", formatSize(uint32(len(img.Data))), start)
				return nil
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&format, "format", "auto", "input format (bin|ihex|srec|auto)")
	cmd.Flags().BoolVarP(&verify, "verify", "v", false, "read back and verify after writing")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var rf rangeFlags
	var format string
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Compare flash memory against file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, start, err := resolveImage(args[0], format, &rf, cmd.Flags().Changed("address"))
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				pb := attachProgress(d, "verifying")
				err := d.Verify(start, img.Data)
				pb.finish()
				if err != nil {
					return err
				}
				fmt.Println("Verify complete")
				return nil
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&format, "format", "auto", "input format (bin|ihex|srec|auto)")
	return cmd
}

func newEraseCommand() *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash sectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, size, err := rf.parse()
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				start, size, err := rf.resolve(d, start, size)
				if err != nil {
					return err
				}
				if err := d.Erase(start, size); err != nil {
					return err
				}
				fmt.Println("Erase complete")
				return nil
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func newBlankCheckCommand() *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "blank-check",
		Short: "Check that a flash region is erased",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, size, err := rf.parse()
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				start, size, err := rf.resolve(d, start, size)
				if err != nil {
					return err
				}
				if size, err = wholeAreaSize(d, start, size); err != nil {
					return err
				}
				if err := d.BlankCheck(start, size); err != nil {
					return err
				}
				fmt.Println("Blank")
				return nil
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func newCRCCommand() *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "crc",
		Short: "Calculate CRC-32 of a flash region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, size, err := rf.parse()
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				start, size, err := rf.resolve(d, start, size)
				if err != nil {
					return err
				}
				crc, err := d.CRC(start, size)
				if err != nil {
					return err
				}
				fmt.Printf("CRC-32: 0x%08X\n", crc)
				return nil
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func newDLMCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dlm",
		Short: "Show Device Lifecycle Management state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device) error {
				state, err := d.DLM()
				if err != nil {
					return err
				}
				fmt.Printf("DLM State: 0x%02X (%s: %s)\n", byte(state), state, state.Desc())
				return nil
			})
		},
	}
}

func newDLMTransitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dlm-transit <state>",
		Short: "Transition DLM state (ssd/nsecsd/dpl/lck_dbg/lck_boot)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := device.ParseDLMState(args[0])
			if err != nil {
				return err
			}
			if dest == device.DLMLckBoot {
				logrus.Warn("LCK_BOOT leaves the boot firmware unresponsive until power cycle")
			}
			return withDevice(func(d *device.Device) error {
				cur, err := d.Transit(dest)
				if err != nil {
					return err
				}
				fmt.Printf("DLM transit complete: %s -> %s\n", cur, dest)
				return nil
			})
		},
	}
}

func newDLMAuthCommand() *cobra.Command {
	var keyHex string
	var uniqueID bool
	cmd := &cobra.Command{
		Use:   "dlm-auth <state>",
		Short: "Authenticated DLM regression (ssd/nsecsd/rma_req)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := device.ParseDLMState(args[0])
			if err != nil {
				return err
			}
			key, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				return fmt.Errorf("invalid key: %w", err)
			}
			chct := byte(device.ChallengeRandom)
			if uniqueID {
				chct = device.ChallengeUniqueID
			}
			return withDevice(func(d *device.Device) error {
				cur, err := d.AuthTransit(dest, key, chct)
				if err != nil {
					return err
				}
				fmt.Printf("DLM authentication successful: %s -> %s\n", cur, dest)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "16-byte DLM key (32 hex chars)")
	cmd.Flags().BoolVar(&uniqueID, "chct-unique-id", false, "request the MCU unique ID as challenge (RMA only)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func printBoundary(b device.Boundary) {
	fmt.Println("Secure/Non-secure Boundary Settings:")
	fmt.Printf("  Code Flash secure (without NSC): %d KB\n", b.CFS1)
	fmt.Printf("  Code Flash secure (total):       %d KB\n", b.CFS2)
	fmt.Printf("  Data Flash secure:               %d KB\n", b.DFS)
	fmt.Printf("  SRAM secure (without NSC):       %d KB\n", b.SRS1)
	fmt.Printf("  SRAM secure (total):             %d KB\n", b.SRS2)
	if b.CFS2 > b.CFS1 {
		fmt.Printf("  Code Flash NSC region:           %d KB\n", b.CFS2-b.CFS1)
	}
	if b.SRS2 > b.SRS1 {
		fmt.Printf("  SRAM NSC region:                 %d KB\n", b.SRS2-b.SRS1)
	}
}

func newBoundaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "boundary",
		Short: "Show TrustZone boundary settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device) error {
				b, err := d.Boundary()
				if err != nil {
					return err
				}
				printBoundary(b)
				return nil
			})
		},
	}
}

func newBoundarySetCommand() *cobra.Command {
	var cfs1, cfs2, dfs, srs1, srs2 uint16
	var rpdPath string
	cmd := &cobra.Command{
		Use:   "boundary-set",
		Short: "Set TrustZone boundaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var b device.Boundary
			if rpdPath != "" {
				f, err := os.Open(rpdPath)
				if err != nil {
					return err
				}
				part, err := rpd.Parse(f)
				f.Close()
				if err != nil {
					return err
				}
				rb, err := part.Boundary()
				if err != nil {
					return err
				}
				b = device.Boundary{CFS1: rb.CFS1, CFS2: rb.CFS2, DFS: rb.DFS, SRS1: rb.SRS1, SRS2: rb.SRS2}
			} else {
				for _, name := range []string{"cfs1", "cfs2", "dfs", "srs1", "srs2"} {
					if !cmd.Flags().Changed(name) {
						return fmt.Errorf("boundary-set requires --rpd or all of --cfs1 --cfs2 --dfs --srs1 --srs2")
					}
				}
				b = device.Boundary{CFS1: cfs1, CFS2: cfs2, DFS: dfs, SRS1: srs1, SRS2: srs2}
			}
			return withDevice(func(d *device.Device) error {
				if err := d.SetBoundary(b); err != nil {
					return err
				}
				printBoundary(b)
				fmt.Println("Boundary settings stored; effective after device reset")
				return nil
			})
		},
	}
	cmd.Flags().Uint16Var(&cfs1, "cfs1", 0, "code flash secure size without NSC (KB)")
	cmd.Flags().Uint16Var(&cfs2, "cfs2", 0, "code flash secure size total (KB)")
	cmd.Flags().Uint16Var(&dfs, "dfs", 0, "data flash secure size (KB)")
	cmd.Flags().Uint16Var(&srs1, "srs1", 0, "SRAM secure size without NSC (KB)")
	cmd.Flags().Uint16Var(&srs2, "srs2", 0, "SRAM secure size total (KB)")
	cmd.Flags().StringVar(&rpdPath, "rpd", "", "read boundaries from a Renesas Partition Data file")
	return cmd
}

func newParamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "param",
		Short: "Show the initialize-command parameter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device) error {
				v, err := d.Param(device.ParamInitialize)
				if err != nil {
					return err
				}
				state := "unknown"
				switch v {
				case device.ParamInitDisabled:
					state = "disabled"
				case device.ParamInitEnabled:
					state = "enabled"
				}
				fmt.Printf("Initialize command: 0x%02X (%s)\n", v, state)
				return nil
			})
		},
	}
}

func newParamSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "param-set <enable|disable>",
		Short: "Enable or disable the initialize command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value byte
			switch strings.ToLower(args[0]) {
			case "enable":
				value = device.ParamInitEnabled
			case "disable":
				value = device.ParamInitDisabled
				logrus.Warn("disabling the initialize command removes factory-reset capability")
			default:
				return fmt.Errorf("invalid value %q (use enable or disable)", args[0])
			}
			return withDevice(func(d *device.Device) error {
				if err := d.SetParam(device.ParamInitialize, value); err != nil {
					return err
				}
				fmt.Println("Parameter set")
				return nil
			})
		},
	}
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize device (factory reset to SSD state)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logrus.Warn("initialize erases all flash areas and resets boundaries")
			return withDevice(func(d *device.Device) error {
				cur, err := d.Initialize()
				if err != nil {
					return err
				}
				fmt.Printf("Initialize complete: %s -> SSD\n", cur)
				return nil
			})
		},
	}
}

func newOSISCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "osis",
		Short: "Show OSIS (ID code protection) status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device) error {
				o, err := d.OSIS()
				if err != nil {
					return err
				}
				fmt.Println("OSIS (ID Code Protection):")
				if o.Inferred {
					fmt.Printf("  Mode (inferred):  %s\n", o.Mode)
					return nil
				}
				for i, w := range o.Words {
					fmt.Printf("  OSIS%d: 0x%08X\n", i, w)
				}
				fmt.Printf("  ID Code: %08X%08X%08X%08X\n", o.Words[3], o.Words[2], o.Words[1], o.Words[0])
				fmt.Printf("  Mode [127:126]: %s\n", o.Mode)
				return nil
			})
		},
	}
}

func newConfigReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-read [file]",
		Short: "Dump the config area",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device) error {
				start, data, err := d.ConfigRead()
				if err != nil {
					return err
				}
				if len(args) == 1 {
					return os.WriteFile(args[0], data, 0o644)
				}
				hexdump(start, data)
				return nil
			})
		},
	}
}

func hexdump(addr uint32, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%08X ", addr+uint32(off))
		for i := off; i < end; i++ {
			fmt.Printf(" %02X", data[i])
		}
		fmt.Println()
	}
}

func newKeyCommands() []*cobra.Command {
	return []*cobra.Command{
		keySetCommand("key-set", "Inject a wrapped DLM key", (*device.Device).KeySet),
		keyVerifyCommand("key-verify", "Verify a DLM key slot", (*device.Device).KeyVerify),
		keySetCommand("ukey-set", "Inject a wrapped user key", (*device.Device).UserKeySet),
		keyVerifyCommand("ukey-verify", "Verify a user key slot", (*device.Device).UserKeyVerify),
	}
}

func parseKeyIndex(s string) (byte, error) {
	idx, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid key index %q", s)
	}
	return byte(idx), nil
}

func keySetCommand(use, short string, set func(*device.Device, byte, []byte) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <index> <file>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseKeyIndex(args[0])
			if err != nil {
				return err
			}
			blob, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if len(blob) == 0 {
				return errors.New("empty key file")
			}
			return withDevice(func(d *device.Device) error {
				if err := set(d, idx, blob); err != nil {
					return err
				}
				fmt.Printf("Key set at index %d\n", idx)
				return nil
			})
		},
	}
}

func keyVerifyCommand(use, short string, verify func(*device.Device, byte) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <index>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseKeyIndex(args[0])
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device) error {
				valid, err := verify(d, idx)
				if err != nil {
					return err
				}
				if valid {
					fmt.Printf("Key at index %d: VALID\n", idx)
				} else {
					fmt.Printf("Key at index %d: INVALID or EMPTY\n", idx)
				}
				return nil
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show DLM state, initialize parameter and boundaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device) error {
				state, err := d.DLM()
				if err != nil {
					return err
				}
				fmt.Printf("DLM State: 0x%02X (%s: %s)\n", byte(state), state, state.Desc())
				if v, err := d.Param(device.ParamInitialize); err == nil {
					enabled := "disabled"
					if v == device.ParamInitEnabled {
						enabled = "enabled"
					}
					fmt.Printf("Initialize command: %s\n", enabled)
				}
				if b, err := d.Boundary(); err == nil {
					printBoundary(b)
				}
				return nil
			})
		},
	}
}

func newRawCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <cmd-hex> [data-hex]",
		Short: "Send one raw command frame",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := parseHex(args[0])
			if err != nil || op > 0xFF {
				return fmt.Errorf("invalid command byte %q", args[0])
			}
			var data []byte
			if len(args) == 2 {
				data, err = hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
				if err != nil {
					return fmt.Errorf("invalid data: %w", err)
				}
			}
			return withDevice(func(d *device.Device) error {
				payload, err := d.Raw(byte(op), data)
				if err != nil {
					return err
				}
				fmt.Printf("Response (%d bytes): %X\n", len(payload), payload)
				return nil
			})
		},
	}
}
