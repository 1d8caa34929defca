// cmd/psuctl/console.go
package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"psu-service/internal/service"
)

// Console is the interactive bench console
type Console struct {
	svc *service.PSUService
	rl  *readline.Instance
	out io.Writer
}

// NewConsole creates a readline console over svc
func NewConsole(svc *service.PSUService) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "psu> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("connect"),
			readline.PcItem("disconnect"),
			readline.PcItem("vset"),
			readline.PcItem("iset"),
			readline.PcItem("out", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("read"),
			readline.PcItem("cycle"),
			readline.PcItem("target"),
			readline.PcItem("defaults"),
			readline.PcItem("lock", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{svc: svc, rl: rl, out: rl.Stdout()}, nil
}

// Run reads commands until quit, EOF or ctx is cancelled
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	for {
		if ctx.Err() != nil {
			return
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			c.shutdown(ctx)
			cancel()
			return
		}

		if !c.Execute(ctx, line) {
			c.shutdown(ctx)
			cancel()
			return
		}
	}
}

// Execute runs one console line. It returns false when the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus()
	case "connect":
		state, err := c.svc.Connect(ctx, "console")
		c.report(err, state.String())
	case "disconnect":
		c.report(c.svc.Disconnect(ctx, "console"), "Not connected")
	case "vset":
		c.cmdSetpoint(ctx, args, true)
	case "iset":
		c.cmdSetpoint(ctx, args, false)
	case "out":
		c.cmdOutput(ctx, args)
	case "read", "r":
		c.cmdRead(ctx, args)
	case "cycle":
		c.cmdCycle(ctx, args)
	case "target":
		c.cmdTarget(ctx, args)
	case "defaults":
		c.report(c.svc.ApplyDefaults(ctx, "console"), "Defaults applied")
	case "lock":
		c.cmdLock(ctx, args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
PSU Console Commands:
  status                    - Link state, setting and deployment flag
  connect | disconnect      - Probe serial ports / release the supply
  vset <ch> <volts>         - Set voltage and read it back
  iset <ch> <amps>          - Set current limit
  out <ch> on|off           - Switch an output
  read [ch]                 - Read set-point and measurements (all channels without ch)
  cycle <ch>                - Power-cycle a channel
  target <usage> [defaults] - Power-cycle the channel serving usage
  defaults                  - Apply the setting defaults
  lock on|off               - Lock the front panel keys
  quit                      - Disconnect and exit`)
}

func (c *Console) cmdStatus() {
	status := c.svc.Status()
	fmt.Fprintf(c.out, "%s\n", status.Link)
	fmt.Fprintf(c.out, "  setting: %s (%s)\n", status.Setting, status.Kind)
	fmt.Fprintf(c.out, "  deployment active: %v", status.DeploymentActive)
	if status.RigType != "" {
		fmt.Fprintf(c.out, ", rig type: %s", status.RigType)
	}
	fmt.Fprintln(c.out)
	for _, ch := range status.Channels {
		fmt.Fprintf(c.out, "  ch%d %-12s %6.2f V %5.2f A on=%v\n", ch.ID, ch.Usage, ch.DefaultVout, ch.DefaultImax, ch.DefaultOn)
	}
}

func (c *Console) cmdSetpoint(ctx context.Context, args []string, voltage bool) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: vset|iset <ch> <value>")
		return
	}
	channel, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid channel: %s\n", args[0])
		return
	}
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid value: %s\n", args[1])
		return
	}

	if !voltage {
		_, err := c.svc.SetCurrent(ctx, channel, value, "console")
		c.report(err, fmt.Sprintf("ch%d current limit %.3f A", channel, value))
		return
	}

	result, err := c.svc.SetVoltage(ctx, channel, value, "console")
	if err != nil {
		c.report(err, "")
		return
	}
	fmt.Fprintf(c.out, "ch%d voltage %.3f V, read back %s\n", channel, value, formatReading(result.Readback, "V"))
}

func (c *Console) cmdOutput(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: out <ch> on|off")
		return
	}
	channel, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid channel: %s\n", args[0])
		return
	}
	enabled, ok := parseOnOff(args[1])
	if !ok {
		fmt.Fprintf(c.out, "Expected on or off, got %s\n", args[1])
		return
	}
	c.report(c.svc.SetOutput(ctx, channel, enabled, "console"), fmt.Sprintf("ch%d output %s", channel, args[1]))
}

func (c *Console) cmdRead(ctx context.Context, args []string) {
	profile := c.svc.Profile()
	channels := profile.ChannelIDs()
	if len(args) > 0 {
		channel, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid channel: %s\n", args[0])
			return
		}
		channels = []int{channel}
	}

	for _, channel := range channels {
		reading, err := c.svc.ReadChannel(ctx, channel)
		if err != nil {
			c.report(err, "")
			return
		}
		fmt.Fprintf(c.out, "ch%d set %s  out %s  %s\n",
			channel,
			formatReading(reading.SetVoltage, "V"),
			formatReading(reading.MeasuredVoltage, "V"),
			formatReading(reading.MeasuredCurrent, "A"),
		)
	}
}

func (c *Console) cmdCycle(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: cycle <ch>")
		return
	}
	channel, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid channel: %s\n", args[0])
		return
	}

	fmt.Fprintf(c.out, "Power cycling ch%d...\n", channel)
	report, err := c.svc.PowerCycle(ctx, channel, "console")
	if err != nil {
		c.report(err, "")
		return
	}
	fmt.Fprintf(c.out, "ch%d cycled: %s before, %s after, waited %s\n",
		report.Channel, formatReading(report.VoltageBefore, "V"), formatReading(report.VoltageAfter, "V"), report.Waited)
}

func (c *Console) cmdTarget(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: target <usage> [defaults]")
		return
	}
	applyDefaults := len(args) > 1 && args[1] == "defaults"

	report, err := c.svc.PowerCycleTarget(ctx, args[0], applyDefaults, "console")
	if err != nil {
		c.report(err, "")
		return
	}
	fmt.Fprintf(c.out, "%s (ch%d) cycled, waited %s\n", args[0], report.Channel, report.Waited)
}

func (c *Console) cmdLock(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: lock on|off")
		return
	}
	locked, ok := parseOnOff(args[0])
	if !ok {
		fmt.Fprintf(c.out, "Expected on or off, got %s\n", args[0])
		return
	}
	c.report(c.svc.LockKeys(ctx, locked, "console"), "Keys "+args[0])
}

// shutdown releases the supply on exit
func (c *Console) shutdown(ctx context.Context) {
	if c.svc.Status().Link.Connected {
		c.svc.Disconnect(context.WithoutCancel(ctx), "console")
	}
	fmt.Fprintln(c.out, "Exiting...")
}

func (c *Console) report(err error, ok string) {
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if ok != "" {
		fmt.Fprintln(c.out, ok)
	}
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, true
	case "off", "0", "false":
		return false, true
	}
	return false, false
}

func formatReading(v *float64, unit string) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 3, 64) + " " + unit
}
