package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fosrl/dnshole/logger"
	"github.com/fosrl/dnshole/netmon"
	"github.com/fosrl/dnshole/service"
)

func main() {
	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDnsholeMainWithArgs(ctx, os.Args[1:]); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runDnsholeMainWithArgs(ctx context.Context, args []string) error {
	logger.Init(nil)

	// Load configuration from file, env vars, and CLI args
	// Priority: CLI args > Env vars > Config file > Defaults
	config, showVersion, showConfig, err := LoadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Handle --show-config flag
	if showConfig {
		config.ShowConfig()
		return nil
	}

	dnsholeVersion := "version_replaceme"
	if showVersion {
		fmt.Println("dnshole version " + dnsholeVersion)
		return nil
	}
	config.Version = dnsholeVersion

	logger.GetLogger().SetLevel(logger.ParseLogLevel(config.LogLevel))
	logger.Info("dnshole version %s", dnsholeVersion)
	logger.Debug("Config sources: %v", config.sortedSources())

	if err := SaveConfig(config); err != nil {
		logger.Error("Failed to save dnshole config: %v", err)
	} else {
		logger.Debug("Saved dnshole config to %s", config.path)
	}

	svc := service.New(service.Config{
		Blocklists:      config.Blocklists,
		InterfaceName:   config.InterfaceName,
		MTU:             config.MTU,
		Address:         config.AddressPrefix,
		RelayDNS:        config.RelayAddr,
		TunFD:           config.TunFD,
		OverrideDNS:     config.OverrideDNS,
		UpstreamDNS:     config.UpstreamAddrPort,
		ResolvConf:      config.ResolvConf,
		UpstreamTimeout: config.UpstreamTimeoutDuration,
		SocketMark:      config.SocketMark,
		MaxWorkers:      config.MaxWorkers,
		RetryMin:        config.RetryMinDuration,
		RetryMax:        config.RetryMaxDuration,
		StopTimeout:     config.StopTimeoutDuration,
		EnableAPI:       config.EnableAPI,
		HTTPAddr:        config.HTTPAddr,
		SocketPath:      config.SocketPath,
		Version:         config.Version,
		Boot:            config.Boot,
		Enabled:         config.Enabled,
		Connectivity:    netmon.New(config.InterfaceName),
		SaveEnabled: func(enabled bool) error {
			config.Enabled = enabled
			return SaveConfig(config)
		},
	})

	if err := svc.Run(ctx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
