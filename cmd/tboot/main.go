// Command tboot flashes and verifies AVR bootloader targets over a serial
// line: it loads a config file and device table, negotiates the
// bootloader's wire mode, then runs a list of -U flash/eeprom operations
// against it.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trol73/tboot-go/internal/config"
	"github.com/trol73/tboot-go/internal/device"
	"github.com/trol73/tboot-go/internal/handshake"
	"github.com/trol73/tboot-go/internal/hexfile"
	"github.com/trol73/tboot-go/internal/image"
	"github.com/trol73/tboot-go/internal/orchestrator"
	"github.com/trol73/tboot-go/internal/protocol"
	"github.com/trol73/tboot-go/internal/transport"
	"github.com/trol73/tboot-go/internal/ui"
)

// exitError carries a process exit code alongside the message already
// printed via ui.Printer, so RunE can report it without Cobra's own
// "Error:" prefix doubling up on output the user already saw.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

// operation is one parsed -U argument: <flash|eeprom>:<r|w|v>:<file>.
type operation struct {
	target byte // 'f' or 'e'
	op     byte // 'r', 'w', or 'v'
	file   string
}

func parseOperation(s string) (operation, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return operation{}, fmt.Errorf("malformed -U argument %q, want mem:op:file", s)
	}
	var target byte
	switch parts[0] {
	case "flash":
		target = 'f'
	case "eeprom":
		target = 'e'
	default:
		return operation{}, fmt.Errorf("-U argument %q: unknown memory %q", s, parts[0])
	}
	var op byte
	switch parts[1] {
	case "r", "w", "v":
		op = parts[1][0]
	default:
		return operation{}, fmt.Errorf("-U argument %q: unknown operation %q", s, parts[1])
	}
	if parts[2] == "" {
		return operation{}, fmt.Errorf("-U argument %q: empty filename", s)
	}
	return operation{target: target, op: op, file: parts[2]}, nil
}

func main() {
	root, _ := newRootCommand()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if ok := asExitError(err, &ee); ok {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func asExitError(err error, target **exitError) bool {
	ee, ok := err.(*exitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

type cliFlags struct {
	partno       string
	baudrate     int
	configPath   string
	port         string
	operations   []string
	noWrite      bool
	skipVerify   bool
	verbose      bool
	quellProgress bool
}

func newRootCommand() (*cobra.Command, *cliFlags) {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "tboot",
		Short: "Flash and verify an AVR bootloader target over serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flagSet := cmd.Flags()
	flagSet.StringVarP(&f.partno, "partno", "p", "", "device id (matches a DEVICE.id in the config file)")
	flagSet.IntVarP(&f.baudrate, "baudrate", "b", 0, "baud rate (overrides the config file)")
	flagSet.StringVarP(&f.configPath, "config", "C", "tboot.conf", "config file path")
	flagSet.StringVarP(&f.port, "port", "P", "", "serial port (overrides the config file)")
	flagSet.StringArrayVarP(&f.operations, "upload", "U", nil, "mem:op:file operation, repeatable (mem=flash|eeprom, op=r|w|v)")
	flagSet.BoolVarP(&f.noWrite, "no-write", "n", false, "disable actual writes (debug)")
	flagSet.BoolVarP(&f.skipVerify, "skip-verify", "V", false, "skip verify")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "verbose")
	flagSet.BoolVarP(&f.quellProgress, "quiet", "q", false, "quiet progress bar")
	return cmd, f
}

// run implements loader.cpp's main(): config → device select → transport
// open → handshake → operations → finishCommand → close.
func run(cmd *cobra.Command, f *cliFlags) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	p := ui.New(out, errOut)

	operations := make([]operation, 0, len(f.operations))
	for _, raw := range f.operations {
		op, err := parseOperation(raw)
		if err != nil {
			p.Error("%v", err)
			return &exitError{1, err}
		}
		operations = append(operations, op)
	}

	cfg := config.Default()
	cfgFile, err := os.Open(f.configPath)
	if err != nil {
		p.Error("can't open config file %q: %v", f.configPath, err)
		return &exitError{2, err}
	}
	loadErr := config.Load(cfgFile, &cfg)
	cfgFile.Close()
	if loadErr != nil {
		p.Error("config: %v", loadErr)
		return &exitError{2, loadErr}
	}

	if f.partno != "" {
		cfg.DeviceID = f.partno
	}
	if f.port != "" {
		cfg.Port = f.port
	}
	if f.baudrate != 0 {
		cfg.Baudrate = f.baudrate
	}
	if f.noWrite {
		cfg.NoWrite = true
	}
	if f.skipVerify {
		cfg.Verify = false
	}
	if f.verbose {
		cfg.Verbose = true
	}
	if f.quellProgress {
		cfg.QuellProgress = true
	}
	p.Verbose = cfg.Verbose
	p.QuellProgress = cfg.QuellProgress

	if cfg.DeviceID == "" {
		err := fmt.Errorf("device name not defined (pass -p or set 'device' in the config file)")
		p.Error("%v", err)
		return &exitError{1, err}
	}
	dev, err := cfg.Devices.Select(cfg.DeviceID)
	if err != nil {
		p.Error("%v", err)
		return &exitError{1, err}
	}

	readTimeout := time.Duration(cfg.ReadTimeoutUs) * time.Microsecond
	if cfg.Baudrate <= 600 {
		readTimeout *= 5
	}
	tr, err := transport.Open(cfg.Port, cfg.Baudrate, readTimeout)
	if err != nil {
		p.Error("can't open port %q: %v", cfg.Port, err)
		return &exitError{3, err}
	}
	defer tr.Close()

	p.Info("Device: %s", dev.Desc)

	logger := log.New(errOut, "", 0)
	sess := protocol.New(tr, logger)
	sess.PageSize = dev.PageSize
	if cfg.NoWrite {
		p.Warn("writing is disabled")
		sess.WriteDisabled = true
	}

	startCmd, err := handshake.EscapeStartCommand(cfg.StartCommand)
	if err != nil {
		p.Error("%v", err)
		return &exitError{1, err}
	}

	var hres handshake.Result
	bootloaderFound := false
	for attempt := 0; attempt < 5; attempt++ {
		hres, err = handshake.Run(tr, sess, startCmd)
		if err == nil {
			bootloaderFound = true
			break
		}
	}
	if !bootloaderFound {
		p.Error("bootloader not found")
		return &exitError{4, err}
	}

	orch := orchestrator.New(sess, dev.PageSize, func(phase string, percent int, elapsedSeconds float64) {
		p.Progress(phase, percent, time.Duration(elapsedSeconds*float64(time.Second)))
		if percent >= 100 {
			p.ProgressDone()
		}
	})

	ctx := context.Background()
	for _, op := range operations {
		if code, err := runOperation(ctx, p, orch, &cfg, dev, hres, op); err != nil {
			return &exitError{code, err}
		}
		in, outBytes := sess.Stats()
		p.Info("UART read: bytes = %d", in)
		p.Info("UART write: bytes = %d", outBytes)
	}

	if cfg.FinishCommand != "" {
		finishCmd, err := handshake.EscapeStartCommand(cfg.FinishCommand)
		if err != nil {
			p.Error("can't send finish command: %v", err)
			return &exitError{100, err}
		}
		for _, b := range finishCmd {
			if err := tr.WriteByte(b); err != nil {
				p.Error("can't send finish command: %v", err)
				return &exitError{100, err}
			}
		}
	}

	return nil
}

// runOperation executes one -U operation and returns the exit code to use
// on failure, mirroring loader.cpp's per-task switch.
func runOperation(ctx context.Context, p *ui.Printer, orch *orchestrator.Orchestrator, cfg *config.Config, dev device.Descriptor, hres handshake.Result, op operation) (code int, err error) {
	if op.target == 'e' {
		p.Error("EEPROM not supported in this version")
		return 10, fmt.Errorf("eeprom operations are not supported")
	}

	switch op.op {
	case 'r':
		p.Info("reading flash into %q", op.file)
		data, err := orch.ReadAll(ctx, dev.ROMSize)
		if err != nil {
			p.Error("chip flash reading error: %v", err)
			return 4, err
		}
		f, err := os.Create(op.file)
		if err != nil {
			p.Error("%v", err)
			return 5, err
		}
		defer f.Close()
		if err := writeFile(f, op.file, data); err != nil {
			p.Error("%v", err)
			return 5, err
		}
		return 0, nil

	case 'w':
		p.Info("reading input file %q", op.file)
		img, err := readImageFile(op.file, dev.ROMSize)
		if err != nil {
			p.Error("%v", err)
			return 5, err
		}
		p.Info("writing flash (%d bytes)", img.Size())
		if cfg.Smart {
			p.Info("smart-mode enabled")
		}
		loaderOffset := int(hres.BootloaderOffset)
		if img.Size() > loaderOffset {
			err := fmt.Errorf("data too large: available %d bytes", loaderOffset)
			p.Error("%v", err)
			return 6, err
		}
		written, err := orch.WriteAll(ctx, img, loaderOffset, cfg.Smart)
		if err != nil {
			p.Error("chip flash write error: %v", err)
			return 4, err
		}
		if cfg.Smart {
			pagesTotal := loaderOffset / dev.PageSize
			if loaderOffset%dev.PageSize != 0 {
				pagesTotal++
			}
			p.Info("smart mode: %d pages from %d have been rewritten", written, pagesTotal)
		}
		if cfg.Verify {
			if code, err := verifyOperation(ctx, p, orch, dev, op); err != nil {
				return code, err
			}
		}
		if !cfg.NoWrite {
			if err := orch.Jump(0); err != nil {
				p.Error("chip jump error: %v", err)
				return 4, err
			}
		}
		return 0, nil

	case 'v':
		return verifyOperation(ctx, p, orch, dev, op)
	}

	return 1, fmt.Errorf("unknown operation %q", string(op.op))
}

// verifyOperation re-reads the device and compares it against op.file,
// reporting each mismatch but, per loader.cpp's own verify branch, never
// failing the run on a mismatch by itself.
func verifyOperation(ctx context.Context, p *ui.Printer, orch *orchestrator.Orchestrator, dev device.Descriptor, op operation) (code int, err error) {
	img, err := readImageFile(op.file, dev.ROMSize)
	if err != nil {
		p.Error("%v", err)
		return 5, err
	}
	p.Info("verifying flash against %q", op.file)
	mismatches, err := orch.Verify(ctx, img, dev.ROMSize)
	if err != nil {
		p.Error("chip flash reading error: %v", err)
		return 4, err
	}
	for _, m := range mismatches {
		p.Error("verification error, address=%#04x chip=%#02x file=%#02x", m.Addr, m.Chip, m.File)
	}
	p.Info("%d bytes of flash verified", img.DefinedCount())
	return 0, nil
}

func readImageFile(path string, capacity int) (*image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := image.New(capacity)
	if strings.HasSuffix(strings.ToLower(path), ".hex") {
		if err := hexfile.Parse(f, path, img); err != nil {
			return nil, err
		}
		return img, nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) > capacity {
		return nil, fmt.Errorf("%s: file larger than device capacity", path)
	}
	for i, b := range data {
		if err := img.SetByte(i, b); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func writeFile(f *os.File, path string, data []byte) error {
	if strings.HasSuffix(strings.ToLower(path), ".hex") {
		return hexfile.Emit(f, data)
	}
	_, err := f.Write(data)
	return err
}
