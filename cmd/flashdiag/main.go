// Command flashdiag runs the board bring-up sequence against the SPI flash and
// RTC described by a YAML board file and prints the report.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/bringup"
	"github.com/soypat/spiflash/config"
	"github.com/soypat/spiflash/report"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "flashdiag:", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "flashdiag - SPI NOR flash and RTC bring-up diagnostics.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	cfgPath := flag.StringP("config", "c", "", "Board description YAML file. Empty uses the reference board.")
	sim := flag.Bool("sim", false, "Run against simulated flash and RTC instead of host hardware.")
	port := flag.String("port", "", "Override the SPI port name from the board file.")
	broker := flag.String("mqtt", "", "MQTT broker host:port to publish the CBOR report to.")
	topic := flag.String("topic", "", "MQTT topic, overrides the board file.")
	loglevel := flag.String("loglevel", "info", "Log level: trace, debug, info, warn or error.")
	cborPath := flag.String("cbor", "", "Append the CBOR encoded report to this file.")
	flag.Parse()

	level, err := parseLevel(*loglevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return err
		}
	}
	if *port != "" {
		cfg.Bus.Port = *port
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	if *topic != "" {
		cfg.MQTT.Topic = *topic
	}

	var pl bringup.Platform = bringup.HostPlatform{}
	if *sim {
		pl = bringup.NewSimPlatform(cfg, time.Now())
	}
	board, err := bringup.Open(pl, cfg, logger)
	if err != nil {
		return err
	}
	defer board.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rep, runErr := bringup.Run(ctx, board, bringup.OptionsFromConfig(cfg, logger))
	err = rep.WriteText(os.Stdout)
	if err != nil {
		return err
	}
	if *cborPath != "" {
		err = appendCBOR(*cborPath, rep)
		if err != nil {
			return errors.Join(runErr, err)
		}
	}
	if cfg.MQTT.Broker != "" {
		err = publish(ctx, cfg.MQTT, rep, logger)
		if err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func appendCBOR(path string, rep *report.Report) error {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	err = report.NewEncoder(fp).Encode(rep)
	if cerr := fp.Close(); err == nil {
		err = cerr
	}
	return err
}

func publish(ctx context.Context, cfg config.MQTT, rep *report.Report, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pub, err := report.Dial(ctx, cfg.Broker, cfg.ClientID, cfg.Topic, logger)
	if err != nil {
		return fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	err = pub.Publish(rep)
	if cerr := pub.Close(); err == nil {
		err = cerr
	}
	return err
}

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return spiflash.LevelTrace, nil
	}
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}
