// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package cli wires rupdate's subcommands onto a github.com/urfave/cli
// app, in the shape of the teacher's own SetupCLI: one cli.Command per
// subcommand, global flags handled in a Before hook, errors surfaced
// through rerr so main can map them to the right process exit code.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/northerntech/rupdate/config"
	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/installer"
	"github.com/northerntech/rupdate/lockfile"
	"github.com/northerntech/rupdate/partcfg"
	"github.com/northerntech/rupdate/rerr"
	"github.com/northerntech/rupdate/statecache"

	"github.com/mendersoftware/progressbar"
)

const appDescription = "" +
	"rupdate manages the A/B partition update lifecycle of this " +
	"device: installing a bundle, committing or reverting it, and " +
	"inspecting the persisted update environment."

type runOptions struct {
	configPath  string
	verbose     bool
	debug       bool
	dry         bool
	bootRetries int64
	noRollback  bool
	cached      bool
	yes         bool
	raw         bool
}

// confirm prompts for a y/N answer before a destructive operation. When
// stdin isn't a terminal (a systemd unit, a script, a pipe) there's no
// one to ask, so it proceeds unattended, same as the teacher's setup
// wizard falling back to non-interactive defaults off a TTY.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true, nil
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, rerr.Wrap(rerr.KindGeneric, err, "reading confirmation")
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// resolveBootRetries picks the boot-retry count "commit" arms:
// whatever --boot-retries was explicitly given as, or else the
// configured DefaultBootRetries, matching spec.md §6.1's documented
// "-r <N> default 3" (config.Default's own DefaultBootRetries is 3).
func resolveBootRetries(flagSet bool, flagValue int64, cfgDefault int16) int16 {
	if flagSet {
		return int16(flagValue)
	}
	return cfgDefault
}

func (r *runOptions) handleLogFlags(ctx *cli.Context) error {
	if r.debug {
		log.SetLevel(log.DebugLevel)
	} else if r.verbose {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	return nil
}

// open assembles the installer and lock needed by most subcommands from
// the configured paths; callers must Close the returned lock.
func (r *runOptions) open() (*installer.Installer, *lockfile.Lock, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return nil, nil, err
	}

	lock, err := lockfile.Acquire(cfg.LockPath)
	if err != nil {
		return nil, nil, err
	}

	pf, err := os.Open(cfg.PartitionConfigPath)
	if err != nil {
		lock.Close()
		return nil, nil, rerr.Wrapf(rerr.KindGeneric, err, "opening partition config %s", cfg.PartitionConfigPath)
	}
	defer pf.Close()
	partitions, err := partcfg.Load(pf)
	if err != nil {
		lock.Close()
		return nil, nil, err
	}

	dev, err := os.OpenFile(cfg.UpdateEnvDevice, os.O_RDWR, 0)
	if err != nil {
		lock.Close()
		return nil, nil, rerr.Wrapf(rerr.KindGeneric, err, "opening update environment device %s", cfg.UpdateEnvDevice)
	}

	algo, err := cfg.HashAlgorithm()
	if err != nil {
		lock.Close()
		dev.Close()
		return nil, nil, err
	}

	store := envfs.NewStore(dev, cfg.UpdateEnvSlot0Offset, cfg.UpdateEnvSlot1Offset, cfg.UpdateEnvSlotSize, algo)
	return installer.New(partitions, store), lock, nil
}

func printState(st envfs.UpdateState) {
	fmt.Printf("state: %s\n", st.State)
	fmt.Printf("remaining_tries: %d\n", st.RemainingTries)
	for _, sel := range st.PartSel {
		fmt.Printf("  %s: active=%s affected=%t rollback=%t\n", sel.Name, sel.Active, sel.Affected, sel.Rollback)
	}
}

// printStateRaw emits one key=value pair per line, the machine-readable
// form `rupdate state -r` produces for scripts that don't want to parse
// the human-oriented layout of printState.
func printStateRaw(st envfs.UpdateState) {
	fmt.Printf("state=%s\n", st.State)
	fmt.Printf("remaining_tries=%d\n", st.RemainingTries)
	for _, sel := range st.PartSel {
		fmt.Printf("partsel.%s.active=%s\n", sel.Name, sel.Active)
		fmt.Printf("partsel.%s.affected=%t\n", sel.Name, sel.Affected)
		fmt.Printf("partsel.%s.rollback=%t\n", sel.Name, sel.Rollback)
	}
}

// printEnv dumps the full decoded update environment: everything
// printState shows plus the fields that only matter for diagnosing the
// persistence layer itself (magic, on-disk version, revision, and the
// selection count), per spec.md §6.1's "dump full decoded UpdateEnv".
func printEnv(st envfs.UpdateState) {
	fmt.Printf("magic: %s\n", envfs.Magic)
	fmt.Printf("version: %d\n", st.Version)
	fmt.Printf("revision: %d\n", st.Revision)
	fmt.Printf("state: %s\n", st.State)
	fmt.Printf("remaining_tries: %d\n", st.RemainingTries)
	fmt.Printf("partsel_count: %d\n", len(st.PartSel))
	for _, sel := range st.PartSel {
		fmt.Printf("  %s: active=%s affected=%t rollback=%t\n", sel.Name, sel.Active, sel.Affected, sel.Rollback)
	}
}

func noPositionalArgs(ctx *cli.Context) error {
	if ctx.Args().Len() > 0 {
		return rerr.Wrapf(rerr.KindInvalidArgs, rerr.ErrInvalidTransition,
			"unrecognized argument: %s", ctx.Args().First())
	}
	return nil
}

// App builds the rupdate CLI application.
func App() *cli.App {
	opts := &runOptions{configPath: config.DefaultPath}

	app := &cli.App{
		Name:        "rupdate",
		Usage:       "manage the A/B partition update lifecycle",
		Description: appDescription,
		Before:      opts.handleLogFlags,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to rupdate.conf", Destination: &opts.configPath, Value: config.DefaultPath},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Destination: &opts.verbose},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Destination: &opts.debug},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:      "update",
			Usage:     "install a bundle from a file or stdin",
			ArgsUsage: "[BUNDLE]",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dry", Usage: "verify the bundle without writing to any device", Destination: &opts.dry},
				&cli.BoolFlag{Name: "no-rollback", Usage: "do not mark this update's sets as eligible for rollback", Destination: &opts.noRollback},
			},
			Action: func(ctx *cli.Context) error {
				var r *os.File
				if path := ctx.Args().First(); path != "" {
					f, err := os.Open(path)
					if err != nil {
						return rerr.Wrapf(rerr.KindGeneric, err, "opening bundle %s", path)
					}
					defer f.Close()
					r = f
				} else {
					r = os.Stdin
				}

				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()

				reporter := progressbar.New(0)
				st, err := inst.Update(r, opts.dry, !opts.noRollback, reporter)
				if err != nil {
					return err
				}
				printState(st)
				return nil
			},
		},
		{
			Name:  "commit",
			Usage: "commit the installed update, arming the boot-retry counter",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "boot-retries", Aliases: []string{"r"}, Destination: &opts.bootRetries},
			},
			Action: func(ctx *cli.Context) error {
				if err := noPositionalArgs(ctx); err != nil {
					return err
				}
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}

				retries := resolveBootRetries(ctx.IsSet("boot-retries"), opts.bootRetries, cfg.DefaultBootRetries)

				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()
				st, err := inst.Commit(retries)
				if err != nil {
					return err
				}
				printState(st)
				return nil
			},
		},
		{
			Name:  "finish",
			Usage: "accept the running update, returning to the normal state",
			Action: func(ctx *cli.Context) error {
				if err := noPositionalArgs(ctx); err != nil {
					return err
				}
				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()
				st, err := inst.Finish()
				if err != nil {
					return err
				}
				printState(st)
				return nil
			},
		},
		{
			Name:  "revert",
			Usage: "request a revert of the running update on the next boot",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip confirmation", Destination: &opts.yes},
			},
			Action: func(ctx *cli.Context) error {
				if err := noPositionalArgs(ctx); err != nil {
					return err
				}
				if !opts.yes {
					ok, err := confirm("revert the running update on next boot?")
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}
				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()
				st, err := inst.Revert()
				if err != nil {
					return err
				}
				printState(st)
				return nil
			},
		},
		{
			Name:  "rollback",
			Usage: "swap back every set flagged for rollback",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip confirmation", Destination: &opts.yes},
			},
			Action: func(ctx *cli.Context) error {
				if err := noPositionalArgs(ctx); err != nil {
					return err
				}
				if !opts.yes {
					ok, err := confirm("roll back every set flagged for rollback?")
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}
				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()
				st, err := inst.Rollback()
				if err != nil {
					return err
				}
				printState(st)
				return nil
			},
		},
		{
			Name:  "state",
			Usage: "print the persisted update state",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "raw", Aliases: []string{"r"}, Usage: "emit one key=value pair per line", Destination: &opts.raw},
				&cli.BoolFlag{Name: "cached", Usage: "read the last cached state instead of the raw storage region", Destination: &opts.cached},
			},
			Action: func(ctx *cli.Context) error {
				if err := noPositionalArgs(ctx); err != nil {
					return err
				}
				printFn := printState
				if opts.raw {
					printFn = printStateRaw
				}

				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}

				if opts.cached {
					cache, err := statecache.Open(cfg.StateCacheDir)
					if err != nil {
						return err
					}
					defer cache.Close()
					st, err := cache.Get()
					if err != nil {
						return err
					}
					printFn(st)
					return nil
				}

				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()
				st, err := inst.State()
				if err != nil {
					return err
				}

				if cache, cerr := statecache.Open(cfg.StateCacheDir); cerr == nil {
					_ = cache.Put(st)
					cache.Close()
				}
				printFn(st)
				return nil
			},
		},
		{
			Name:  "env",
			Usage: "dump the full decoded update environment",
			Action: func(ctx *cli.Context) error {
				if err := noPositionalArgs(ctx); err != nil {
					return err
				}
				inst, lock, err := opts.open()
				if err != nil {
					return err
				}
				defer lock.Close()

				st, err := inst.State()
				if err != nil {
					return err
				}
				printEnv(st)
				return nil
			},
		},
	}

	return app
}
