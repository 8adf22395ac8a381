package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bigbag/gateway-ota/internal/api"
	"github.com/bigbag/gateway-ota/internal/chunkindex"
	"github.com/bigbag/gateway-ota/internal/config"
	"github.com/bigbag/gateway-ota/internal/detect"
	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/hexrec"
	"github.com/bigbag/gateway-ota/internal/isp"
	"github.com/bigbag/gateway-ota/internal/logging"
	"github.com/bigbag/gateway-ota/internal/manifest"
	"github.com/bigbag/gateway-ota/internal/ota"
	"github.com/bigbag/gateway-ota/internal/partition"
	"github.com/bigbag/gateway-ota/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfg        = config.Default()
	updateFlag uint32
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway-ota",
		Short: "Firmware update engine for the gateway's controllers",
		Long: `gateway-ota downloads firmware announced by the update server and writes it
to the gateway's controllers:

  - the secondary controller (ATmega2560) over its STK500v2 boot programmer
  - the host controller into its alternate A/B partition

Progress is persisted in the state directory so an interrupted update of the
secondary controller resumes after the last flashed chunk.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")

	// Update command
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Run an announced update",
		Long: `Fetch the manifest of an update from the server and update every controller
it names, secondary controller first. Each controller's result is reported
back to the server.`,
		Args: cobra.NoArgs,
		RunE: runUpdate,
	}
	updateCmd.Flags().StringVarP(&cfg.ServerURL, "server", "s", "", "Update server base URL")
	updateCmd.Flags().StringVar(&cfg.MAC, "mac", "", "Gateway MAC address")
	updateCmd.Flags().Uint32Var(&updateFlag, "ota-id", 0, "Update id announced by the server")
	updateCmd.Flags().StringVar(&cfg.DeviceType, "device-type", cfg.DeviceType, "Device type the manifest must name")
	updateCmd.Flags().StringVar(&cfg.FirmwareVersion, "fw-version", cfg.FirmwareVersion, "Running host firmware version")
	updateCmd.Flags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for chunk indexes and resume state")
	updateCmd.Flags().StringVar(&cfg.PartitionDir, "partition-dir", cfg.PartitionDir, "Directory holding the host A/B slots")
	updateCmd.Flags().Int64Var(&cfg.PartitionSize, "partition-size", cfg.PartitionSize, "Capacity of one host slot in bytes")
	updateCmd.Flags().Uint8Var(&cfg.ImageMagic, "image-magic", cfg.ImageMagic, "First byte of every host image")
	updateCmd.Flags().IntVar(&cfg.QueueCapacity, "queue", cfg.QueueCapacity, "Download queue capacity in blocks")
	updateCmd.Flags().IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "Download block size in bytes")
	updateCmd.Flags().IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "Attempts per chunk, page and status report")
	updateCmd.Flags().DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Pause between attempts")
	updateCmd.Flags().DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout of one HTTP request")
	addSerialFlags(updateCmd)
	updateCmd.MarkFlagRequired("server")
	updateCmd.MarkFlagRequired("mac")
	updateCmd.MarkFlagRequired("ota-id")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.hex>",
		Short: "Flash a local hex image into the secondary controller",
		Long: `Program an Intel HEX image into the secondary controller. Every page is read
back and compared after it is written.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addSerialFlags(flashCmd)

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show boot programmer info",
		Long:  "Detect and show the STK500v2 boot programmers reachable over serial ports.",
		RunE:  runInfo,
	}
	addSerialFlags(infoCmd)

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Index command
	indexCmd := &cobra.Command{
		Use:   "index <file> <n|first>",
		Short: "Look up a record of a chunk index file",
		Args:  cobra.ExactArgs(2),
		RunE:  runIndex,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gateway-ota %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(updateCmd, flashCmd, infoCmd, listCmd, indexCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func addSerialFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&cfg.SerialPort, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&cfg.BaudRate, "baud", "b", cfg.BaudRate, "Baud rate")
}

func newLogger() (*log.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// resolvePort returns the configured port or the first one with a programmer.
func resolvePort(ctx context.Context) (string, error) {
	if cfg.SerialPort != "" {
		return cfg.SerialPort, nil
	}
	result, err := detect.DetectDevice(ctx, cfg.BaudRate)
	if err != nil {
		return "", fmt.Errorf("device detection failed: %w", err)
	}
	return result.Port, nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	client := api.New(api.Config{
		ServerURL:       cfg.ServerURL,
		MAC:             cfg.MAC,
		DeviceType:      cfg.DeviceType,
		FirmwareVersion: cfg.FirmwareVersion,
		Timeout:         cfg.HTTPTimeout,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
	}, logger)

	dial := func(ctx context.Context) (ota.Link, error) {
		portName, err := resolvePort(ctx)
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(portName, cfg.BaudRate)
		if err != nil {
			return nil, fault.Wrap(fault.Transport, "open port", err)
		}
		logger.WithFields(log.Fields{"port": portName, "baud": cfg.BaudRate}).Info("secondary controller link open")
		return ota.ProgrammerLink(isp.New(port, isp.WithLogger(logger)), port), nil
	}

	opts := []ota.Option{
		ota.WithLogger(logger),
		ota.WithDialer(dial),
		ota.WithUpdater(partition.NewFileUpdater(cfg.PartitionDir, cfg.PartitionSize, cfg.ImageMagic)),
	}
	if stdoutIsTerminal() {
		bars := map[manifest.Kind]*progressbar.ProgressBar{}
		opts = append(opts, ota.WithProgress(func(kind manifest.Kind, pos ota.Position) {
			bar, ok := bars[kind]
			if !ok {
				bar = newBar(pos.Finish-pos.Start, "Updating "+kind.String())
				bars[kind] = bar
			}
			bar.Set(pos.Flash - pos.Start)
		}))
	}

	engine := ota.New(ota.Config{
		StateDir:      cfg.StateDir,
		QueueCapacity: cfg.QueueCapacity,
		BlockSize:     cfg.BlockSize,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
	}, manifest.Identity{MAC: cfg.MAC, DeviceType: cfg.DeviceType}, client, opts...)

	outcomes, err := engine.Run(cmd.Context(), updateFlag)
	for _, o := range outcomes {
		fmt.Printf("\n%-9s %-8s %s (chunk %d of %d)\n", o.Target, o.Version, o.Result, o.Position.Flash-o.Position.Start, o.Position.Finish-o.Position.Start)
		if o.Err != nil {
			fmt.Printf("  error: %v\n", o.Err)
		}
	}
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Println("No new firmware announced")
	}
	for _, o := range outcomes {
		if o.Result != api.Success {
			return errors.New("update failed")
		}
	}
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	logger, err := newLogger()
	if err != nil {
		return err
	}

	text, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}
	parser := hexrec.New()
	if _, err := parser.Parse(string(text)); err != nil {
		return err
	}
	if !parser.Finished() {
		return fmt.Errorf("%s: no end of file record", imagePath)
	}
	pages := parser.Drain()
	fmt.Printf("Image: %s (%d bytes, %d pages)\n", imagePath, parser.Offset(), len(pages))

	portName, err := resolvePort(cmd.Context())
	if err != nil {
		return err
	}
	port, err := serial.Open(portName, cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", portName, cfg.BaudRate)

	p := isp.New(port, isp.WithLogger(logger))

	fmt.Println("Connecting to boot programmer...")
	if err := p.Connect(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Connected!")

	if stdoutIsTerminal() {
		bar := newBar(len(pages), "Flashing")
		p.SetProgressCallback(func(current, total int) {
			bar.Set(current)
		})
		defer bar.Finish()
	}

	if err := p.FlashPages(cmd.Context(), pages); err != nil {
		return err
	}
	if err := p.LeaveProgrammingMode(cmd.Context()); err != nil {
		fmt.Printf("Warning: leaving programming mode failed: %v\n", err)
	}

	fmt.Println("\nFlash complete!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if cfg.SerialPort != "" {
		result, err := detect.DetectOnPort(ctx, cfg.SerialPort, cfg.BaudRate)
		if err != nil {
			return fmt.Errorf("failed to detect programmer on %s: %w", cfg.SerialPort, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for boot programmers...")
	devices, err := detect.ListDevices(ctx, cfg.BaudRate)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No boot programmers found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:       %s\n", d.Port)
	fmt.Printf("  Programmer: %s\n", d.Signature)
	fmt.Printf("  Part:       %s\n", d.PartName())
	if d.Firmware != "" {
		fmt.Printf("  Firmware:   %s (hardware %s)\n", d.Firmware, d.Hardware)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  [%s:%s] %s\n", p.Name, p.VID, p.PID, p.Product)
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}

	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	path := args[0]
	if args[1] == "first" {
		idx, err := chunkindex.ReadIndexFromFirstLine(path)
		if err != nil {
			return err
		}
		fmt.Println(idx)
		return nil
	}

	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid chunk number %q", args[1])
	}
	rec, err := chunkindex.Find(path, idx)
	if err != nil {
		return err
	}
	fmt.Printf("index:    %d\n", rec.Index)
	fmt.Printf("path:     %s\n", rec.Path)
	fmt.Printf("checksum: %s\n", rec.Checksum)
	fmt.Printf("size:     %d\n", rec.Size)
	return nil
}
