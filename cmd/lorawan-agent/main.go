// LoRaWAN End-Device Agent
// Main entry point for the Class C end-device MAC service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agsys/lorawan-enddevice/internal/adapter"
	"github.com/agsys/lorawan-enddevice/internal/config"
	"github.com/agsys/lorawan-enddevice/internal/engine"
	"github.com/agsys/lorawan-enddevice/internal/radio"
	"github.com/agsys/lorawan-enddevice/internal/storage"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "lorawan-agent",
		Short: "LoRaWAN end-device agent",
		Long:  "Class C LoRaWAN 1.0.2 end-device MAC layer for SX126x radios. Joins a network, exchanges encrypted frames and exposes the session to local applications.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent service",
		RunE:  runAgent,
	}

	provisionCmd = &cobra.Command{
		Use:   "provision",
		Short: "Insert the configured device identity into the local store without starting the radio",
		RunE:  provisionDevice,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("LoRaWAN End-Device Agent v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lorawan/agent.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildDriver(cfg *config.Config) (radio.Driver, error) {
	switch cfg.Radio.Driver {
	case "", "sx126x":
		return buildSX126x(cfg)
	case "concentratord":
		ccfg := radio.DefaultConcentratordConfig()
		if cfg.Radio.EventURL != "" {
			ccfg.EventURL = cfg.Radio.EventURL
		}
		if cfg.Radio.CommandURL != "" {
			ccfg.CommandURL = cfg.Radio.CommandURL
		}
		return radio.NewConcentratordDriver(ccfg)
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio.Driver)
	}
}

func buildSX126x(cfg *config.Config) (radio.Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(cfg.Radio.SPIBus)
	if err != nil {
		return nil, fmt.Errorf("open SPI bus %q: %w", cfg.Radio.SPIBus, err)
	}
	conn, err := port.Connect(8*physic.MegaHertz, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("connect SPI: %w", err)
	}

	rcfg := radio.Config{SPIBus: cfg.Radio.SPIBus, CS: cfg.Radio.SPICS}
	if cfg.Radio.ResetPin != "" {
		rcfg.Reset = gpioreg.ByName(cfg.Radio.ResetPin)
	}
	if cfg.Radio.BusyPin != "" {
		rcfg.Busy = gpioreg.ByName(cfg.Radio.BusyPin)
	}
	if cfg.Radio.IRQPin != "" {
		rcfg.IRQ = gpioreg.ByName(cfg.Radio.IRQPin)
	}
	if cfg.Radio.TxEnPin != "" {
		rcfg.TxEnable = gpioreg.ByName(cfg.Radio.TxEnPin)
	}
	if cfg.Radio.RxEnPin != "" {
		rcfg.RxEnable = gpioreg.ByName(cfg.Radio.RxEnPin)
	}

	return radio.Open(conn, rcfg)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	driver, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}

	eng, err := engine.New(engineCfg, driver)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eng.SetLoggingLevel(cfg.Logging.Level)

	zcfg := adapter.DefaultZMQConfig()
	if cfg.Adapter.EventURL != "" {
		zcfg.EventURL = cfg.Adapter.EventURL
	}
	if cfg.Adapter.RequestURL != "" {
		zcfg.RequestURL = cfg.Adapter.RequestURL
	}
	app := adapter.NewZMQ(zcfg, eng)
	eng.SetCallbacks(app.OnJoin, app.OnTransmit, app.OnReceive)

	scfg := adapter.DefaultStatusConfig()
	if cfg.Adapter.StatusAddr != "" {
		scfg.ListenAddr = cfg.Adapter.StatusAddr
	}
	status := adapter.NewStatusServer(scfg, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting LoRaWAN agent for device %s", cfg.Device.DevEUI)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start adapter: %w", err)
	}
	if err := status.Start(); err != nil {
		return fmt.Errorf("failed to start status feed: %w", err)
	}

	// Kick off the initial join; retries and the session lifecycle run
	// in the scheduler from here on.
	go eng.Join(3, false)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	status.Stop()
	app.Stop()
	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func provisionDevice(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	db, err := storage.Open(engineCfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	if err := db.Insert(engineCfg.DevEUI, engineCfg.AppEUI, engineCfg.AppKey); err != nil {
		return err
	}
	fmt.Printf("Provisioned device %s in %s\n", cfg.Device.DevEUI, engineCfg.DatabasePath)
	return nil
}
