package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"wmp2mqtt/wmp"
)

// discoverRetryDelay is the caller-managed cooldown before re-arming
// discovery when nothing connected during a window.
const discoverRetryDelay = 30 * time.Second

var (
	flagConfig   string
	flagMQTT     string
	flagWMP      string
	flagDiscover bool
	flagOffMode  bool
	flagRetain   bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "wmp2mqtt",
	Short: "WMP to MQTT bridge for Intesis-style climate control gateways",
	Long: `wmp2mqtt bridges WMP-capable air-conditioning gateways to MQTT.

Each configured or discovered device gets a persistent session: feature
change notifications are published to state topics and command topics are
translated into WMP writes.

Devices come from a YAML config file (--config), from --wmp as a
comma-separated IP list, or from UDP discovery (--discover).`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Config file path (default config.yml if present)")
	rootCmd.Flags().StringVarP(&flagMQTT, "mqtt", "m", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	rootCmd.Flags().StringVarP(&flagWMP, "wmp", "w", "", "Comma-separated WMP device IPs")
	rootCmd.Flags().BoolVarP(&flagDiscover, "discover", "d", false, "Discover devices via UDP broadcast")
	rootCmd.Flags().BoolVarP(&flagOffMode, "off-mode", "o", false, "Emulate an off mode for discovered or --wmp devices")
	rootCmd.Flags().BoolVarP(&flagRetain, "retain", "r", false, "Publish MQTT messages with the retain flag")
	rootCmd.Flags().StringVarP(&flagLogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	applyFlags(cfg, cmd)
	setupLogging(cfg)

	log.Info("!------------------------ wmp2mqtt started ------------------------!")

	devices := cfg.WMPDevices()
	if len(devices) == 0 && !cfg.Discover {
		return errors.New("no devices configured and discovery disabled")
	}
	if cfg.MQTT.URL == "" {
		return errors.New("no MQTT broker configured")
	}

	sup := wmp.NewSupervisor(log.StandardLogger())
	bridge := newBridge(cfg, sup)
	bridge.connect()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go bridge.run(ctx)
	go sup.KeepAlive(ctx)
	for _, d := range devices {
		go sup.Watch(ctx, d)
	}
	if cfg.Discover {
		go discoverLoop(ctx, sup, cfg)
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func applyFlags(cfg *Config, cmd *cobra.Command) {
	if flagMQTT != "" {
		cfg.MQTT.URL = flagMQTT
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if cmd.Flags().Changed("retain") {
		cfg.MQTT.Retain = flagRetain
	}
	if cmd.Flags().Changed("discover") {
		cfg.Discover = flagDiscover
	}
	if cmd.Flags().Changed("off-mode") {
		cfg.OffMode = flagOffMode
	}
	if flagWMP != "" {
		for _, ip := range strings.Split(flagWMP, ",") {
			ip = strings.TrimSpace(ip)
			if ip == "" {
				continue
			}
			cfg.Devices = append(cfg.Devices, DeviceEntry{IP: ip, OffMode: cfg.OffMode})
		}
	}
}

func setupLogging(cfg *Config) {
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// discoverLoop arms discovery windows until at least one device is
// connected. Each previously unseen reply starts its own supervised
// session.
func discoverLoop(ctx context.Context, sup *wmp.Supervisor, cfg *Config) {
	seen := make(map[string]bool)
	for {
		replies, err := wmp.Discover(wmp.DiscoveryWindow, log.StandardLogger())
		if err != nil {
			log.Errorf("discovery failed: %v", err)
		} else {
			for info := range replies {
				if seen[info.IP] {
					continue
				}
				seen[info.IP] = true
				log.Infof("discovered %s (%s) at %s", info.Model, info.MAC, info.IP)
				go sup.Watch(ctx, wmp.DefaultDevice(info.IP, cfg.OffMode))
			}
		}

		if len(sup.Sessions()) > 0 {
			return
		}
		log.Infof("nothing connected, retrying discovery in %s", discoverRetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(discoverRetryDelay):
		}
	}
}
