// cmd/psuctl/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/deployment"
	"psu-service/internal/driver"
	"psu-service/internal/driver/rnd"
	"psu-service/internal/repository"
	"psu-service/internal/service"
	"psu-service/internal/sim"
	"psu-service/internal/utils"
)

// Exit codes printed for rig scripts
const (
	resultOK     = 0
	resultFailed = -1
)

// Console commands
const (
	cmdApplySetting          = "applySetting"
	cmdPowerCycle            = "powerCycle"
	cmdPowerCycleWithSetting = "powerCycleWithSetting"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run holds the whole program so deferred cleanup, including the logger
// flush, happens before main exits with its status.
func run(args []string, stdout io.Writer) int {
	flags := flag.NewFlagSet("psuctl", flag.ContinueOnError)
	var (
		configPath  = flags.String("config", "", "path to config file")
		command     = flags.String("cmd", "", "applySetting, powerCycle or powerCycleWithSetting")
		setting     = flags.String("setting", "", "profile setting to use")
		target      = flags.String("target", "", "channel usage to power-cycle")
		interactive = flags.Bool("interactive", false, "start the interactive console")
		simulate    = flags.Bool("simulate", false, "use a simulated power supply")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, logger, err := build(*configPath, *setting, *simulate)
	if logger != nil {
		defer utils.CloseLogger(logger)
	}
	if err != nil {
		if *interactive {
			fmt.Fprintf(os.Stderr, "psuctl: %v\n", err)
		} else {
			fmt.Fprintln(stdout, resultFailed)
		}
		return 1
	}

	if *interactive {
		console, err := NewConsole(svc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "psuctl: %v\n", err)
			return 1
		}
		console.Run(ctx, cancel)
		return 0
	}

	if runCommand(ctx, svc, *command, *target, stdout) != resultOK {
		return 1
	}
	return 0
}

// build loads the configuration and wires a PSU service with an in-memory journal
func build(configPath, setting string, simulate bool) (*service.PSUService, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if setting != "" {
		cfg.PSU.Setting = setting
	}
	if simulate {
		cfg.PSU.Simulate = true
	}
	// stdout carries the result code
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	profile, err := cfg.ActiveProfile()
	if err != nil {
		utils.LogError(logger, "Failed to load setting", err, zap.String("setting", cfg.PSU.Setting))
		return nil, logger, err
	}

	source, err := deployment.NewSource(cfg.Deployment)
	if err != nil {
		return nil, logger, err
	}
	gate := deployment.NewGate(source, logger)

	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultFamilies(registry, logger)

	opts := rnd.OptionsFromConfig(cfg)
	if cfg.PSU.Simulate {
		family, err := registry.Resolve(profile)
		if err != nil {
			return nil, logger, err
		}
		bench, _ := sim.NewFamilyBench(family)
		opts.Opener = bench.Open
		opts.Lister = bench.Ports
	}

	supply, err := rnd.NewDriver(profile, registry, gate, logger, opts)
	if err != nil {
		return nil, logger, err
	}

	journal := repository.NewMemoryOperationRepository(cfg.Journal.Capacity)
	return service.NewPSUService(supply, gate, journal, nil, logger), logger, nil
}

// runCommand connects, runs one console command and disconnects. It prints
// 0 on success and -1 on failure, and returns the printed code.
func runCommand(ctx context.Context, svc *service.PSUService, command, target string, out io.Writer) int {
	code := execute(ctx, svc, command, target)
	fmt.Fprintln(out, code)
	return code
}

func execute(ctx context.Context, svc *service.PSUService, command, target string) int {
	switch command {
	case cmdApplySetting, cmdPowerCycle, cmdPowerCycleWithSetting:
	default:
		return resultFailed
	}

	if _, err := svc.Connect(ctx, "psuctl"); err != nil {
		return resultFailed
	}
	defer svc.Disconnect(context.WithoutCancel(ctx), "psuctl")

	var err error
	switch command {
	case cmdApplySetting:
		err = svc.ApplyDefaults(ctx, "psuctl")
	case cmdPowerCycle:
		_, err = svc.PowerCycleTarget(ctx, target, false, "psuctl")
	case cmdPowerCycleWithSetting:
		_, err = svc.PowerCycleTarget(ctx, target, true, "psuctl")
	}

	if err != nil {
		if errors.Is(err, service.ErrUnknownTarget) {
			fmt.Fprintf(os.Stderr, "psuctl: %v\n", err)
		}
		return resultFailed
	}
	return resultOK
}
