// Command imagefuzz generates corrupted QCOW2 images and feeds them to a
// disk-image tool, watching for crashes.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/disktools/imagefuzz/runner"
)

func main() {
	app := &cli.App{
		Name:      "imagefuzz",
		Usage:     "fuzz a disk-image tool with corrupted qcow2 images",
		ArgsUsage: "WORK_DIR",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "binary",
				Aliases: []string{"b"},
				Usage:   "path to the tool under test (default: $QEMU_IMG or qemu-img)",
			},
			&cli.StringSliceFlag{
				Name:    "command",
				Aliases: []string{"c"},
				Value:   cli.NewStringSlice("check"),
				Usage:   "argument passed to the tool before the image path (repeatable)",
			},
			&cli.StringFlag{
				Name:    "seed",
				Aliases: []string{"s"},
				Usage:   "image generation seed; runs exactly one test",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "JSON file selecting the fields to fuzz",
			},
			&cli.BoolFlag{
				Name:    "keep-passed",
				Aliases: []string{"k"},
				Usage:   "don't remove directories of passed tests",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log information about passed tests",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-test timeout for the tool under test (0 disables)",
			},
		},
		Before: func(c *cli.Context) error {
			if c.NArg() != 1 {
				cli.ShowAppHelpAndExit(c, 1)
			}
			return nil
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	workDir, err := filepath.Abs(c.Args().First())
	if err != nil {
		return err
	}

	cfg := runner.Config{
		Binary:     c.String("binary"),
		Command:    c.StringSlice("command"),
		KeepPassed: c.Bool("keep-passed"),
		Verbose:    c.Bool("verbose"),
		Timeout:    c.Duration("timeout"),
	}
	if s := c.String("seed"); s != "" {
		seed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return cli.Exit("seed must be an integer: "+s, 1)
		}
		cfg.Seed = seed
		cfg.HasSeed = true
	}
	if path := c.String("config"); path != "" {
		if err := runner.LoadConfigFile(&cfg, path); err != nil {
			return err
		}
	}

	if err := runner.EnableCoreDumps(); err != nil {
		logrus.WithError(err).Warn("cannot raise core dump limit")
	}

	logger := logrus.WithFields(logrus.Fields{
		"run_id":   uuid.NewString(),
		"work_dir": workDir,
		"binary":   cfg.ResolveBinary(),
	})
	logger.Info("starting fuzzing run")

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	for id := 1; ; id++ {
		select {
		case <-interrupted:
			logger.Info("interrupted, stopping")
			return nil
		default:
		}

		if err := runOne(&cfg, workDir, strconv.Itoa(id)); err != nil {
			return err
		}
		if cfg.HasSeed {
			return nil
		}
	}
}

// runOne sets up the environment for one test and executes it.
func runOne(cfg *runner.Config, workDir, id string) error {
	env, err := runner.NewTestEnv(cfg, workDir, id)
	if err != nil {
		return err
	}
	execErr := env.Execute()
	if err := env.Finish(); err != nil {
		logrus.WithError(err).Warn("test cleanup failed")
	}
	return execErr
}
