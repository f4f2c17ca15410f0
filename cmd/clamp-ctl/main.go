// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command clamp-ctl is an interactive console controlling a clampd server.
//
// Usage:
//
//	$> clamp-ctl -addr=localhost:8877
//	clamp> configure clamp.yml
//	clamp> set g=10 E=-70
//	clamp> start 100us
//	clamp> get I-leak
//	clamp> stop
//
// A single command may also be given on the command line:
//
//	$> clamp-ctl -addr=localhost:8877 status
package main // import "github.com/go-lpc/clamp/cmd/clamp-ctl"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/clamp/config"
	"github.com/go-lpc/clamp/ctl"
	"github.com/go-lpc/clamp/trigger"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("clamp-ctl: ")
	log.SetFlags(0)

	var (
		addr = flag.String("addr", "localhost:8877", "clampd [address]:port to dial")
		hist = flag.String("history", filepath.Join(os.TempDir(), ".clamp-ctl.history"), "path to history file")
	)

	flag.Parse()

	cli, err := ctl.Dial(*addr)
	if err != nil {
		log.Fatalf("could not dial clampd: %+v", err)
	}
	defer cli.Close()

	sh := newShell(cli, os.Stdout)

	if flag.NArg() > 0 {
		err = sh.exec(strings.Join(flag.Args(), " "))
		if err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	err = sh.run(*hist)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

var errQuit = errors.New("quit")

type shell struct {
	cli  *ctl.Client
	w    io.Writer
	cmds map[string]command
}

type command struct {
	help string
	run  func(args []string) error
}

func newShell(cli *ctl.Client, w io.Writer) *shell {
	sh := &shell{cli: cli, w: w}
	sh.cmds = map[string]command{
		"configure": {"configure <file.yml>: build the loop described by a configuration file", sh.configure},
		"start":     {"start [interval]: start the loop (default: 100us)", sh.start},
		"stop":      {"stop: stop the loop", sh.stop},
		"status":    {"status: display the state of the loop", sh.status},
		"set":       {"set name=value...: write model parameters", sh.set},
		"get":       {"get [name...]: read model parameters and diagnostics", sh.get},
		"params":    {"params: display the parameters of the model", sh.params},
		"features":  {"features: display the features of the loop", sh.features},
		"mean":      {"mean <channel>: display the running mean of an input channel", sh.mean},
		"trigger":   {"trigger <channel> <mode> <level> [armed] | trigger off: configure the trigger", sh.trigger},
		"help":      {"help: display this help", sh.help},
		"quit":      {"quit: exit the console", func([]string) error { return errQuit }},
	}
	return sh
}

func (sh *shell) run(hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("clamp> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(sh.w)
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.w, "error: %v\n", err)
		}
	}
}

func (sh *shell) complete(line string) []string {
	var o []string
	for name := range sh.cmds {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			o = append(o, name)
		}
	}
	sort.Strings(o)
	return o
}

func (sh *shell) exec(line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	cmd, ok := sh.cmds[strings.ToLower(toks[0])]
	if !ok {
		return fmt.Errorf("unknown command %q", toks[0])
	}
	return cmd.run(toks[1:])
}

func (sh *shell) help(args []string) error {
	names := make([]string, 0, len(sh.cmds))
	for name := range sh.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(sh.w, "  %s\n", sh.cmds[name].help)
	}
	return nil
}

func (sh *shell) configure(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("configure: expected a configuration file")
	}
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	setup := ctl.FromConfig(cfg)
	return sh.cli.Configure(setup)
}

func (sh *shell) start(args []string) error {
	interval := 100 * time.Microsecond
	switch len(args) {
	case 0:
	case 1:
		v, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("start: invalid interval %q: %w", args[0], err)
		}
		interval = v
	default:
		return fmt.Errorf("start: too many arguments")
	}
	return sh.cli.Start(interval)
}

func (sh *shell) stop(args []string) error {
	return sh.cli.Stop()
}

func (sh *shell) status(args []string) error {
	st, err := sh.cli.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "model:    %s\n", st.Model)
	fmt.Fprintf(sh.w, "running:  %v\n", st.Running)
	fmt.Fprintf(sh.w, "interval: %v\n", st.Timing.Interval)
	fmt.Fprintf(sh.w, "cycles:   %d (overruns=%d)\n", st.Timing.Cycles, st.Timing.Overruns)
	fmt.Fprintf(sh.w, "failures: read=%d write=%d\n", st.Stats.ReadFailures, st.Stats.WriteFailures)
	fmt.Fprintf(sh.w, "trigger:  armed=%v triggered=%v (n=%d)\n", st.Armed, st.Triggered, st.Stats.Triggers)
	if st.Err != "" {
		fmt.Fprintf(sh.w, "error:    %s\n", st.Err)
	}
	return nil
}

func (sh *shell) set(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("set: expected name=value pairs")
	}
	vs := make(map[string]float64, len(args))
	for _, arg := range args {
		i := strings.Index(arg, "=")
		if i <= 0 {
			return fmt.Errorf("set: invalid argument %q", arg)
		}
		v, err := strconv.ParseFloat(arg[i+1:], 64)
		if err != nil {
			return fmt.Errorf("set: invalid value for %q: %w", arg[:i], err)
		}
		vs[arg[:i]] = v
	}
	return sh.cli.Set(vs)
}

func (sh *shell) get(args []string) error {
	vs, err := sh.cli.Get(args...)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(vs.Values))
	for name := range vs.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(sh.w, "cycle: %d\n", vs.Cycle)
	for _, name := range names {
		fmt.Fprintf(sh.w, "  %s = %g\n", name, vs.Values[name])
	}
	return nil
}

func (sh *shell) params(args []string) error {
	ps, err := sh.cli.Params()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "to model:\n")
	for i, d := range ps.ToModel.Descs {
		fmt.Fprintf(sh.w, "  %s = %g [%s]\n", d.Name, ps.ToModel.Values[i], d.Unit)
	}
	fmt.Fprintf(sh.w, "from model (cycle=%d):\n", ps.FromModel.Cycle)
	for i, d := range ps.FromModel.Descs {
		fmt.Fprintf(sh.w, "  %s = %g [%s]\n", d.Name, ps.FromModel.Values[i], d.Unit)
	}
	return nil
}

func (sh *shell) features(args []string) error {
	fs, err := sh.cli.Features()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "features: %s\n", strings.Join(fs, ", "))
	return nil
}

func (sh *shell) mean(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("mean: expected an input channel")
	}
	v, err := sh.cli.Mean(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%s: %g\n", args[0], v)
	return nil
}

func (sh *shell) trigger(args []string) error {
	if len(args) == 1 && args[0] == "off" {
		return sh.cli.Trigger(ctl.TriggerSetup{})
	}
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("trigger: expected <channel> <mode> <level> [armed]")
	}
	mode, err := trigger.ParseMode(args[1])
	if err != nil {
		return err
	}
	level, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("trigger: invalid level %q: %w", args[2], err)
	}
	setup := ctl.TriggerSetup{
		Channel: args[0],
		Mode:    mode,
		Level:   level,
		Armed:   len(args) == 4 && args[3] == "armed",
	}
	return sh.cli.Trigger(setup)
}
