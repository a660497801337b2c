package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/disktools/imagefuzz/qcow2"
)

// imageFileName is the fixed name of the generated image inside each
// test directory; the tool under test receives it as its last argument.
const imageFileName = "test_image"

// TestEnv is the environment of one test: a dedicated directory under
// the run's working directory, a per-test log and the shared summary
// log. Logs of passed tests are removed on Finish unless configured
// otherwise.
type TestEnv struct {
	cfg  *Config
	id   string
	seed int64

	testDir string
	log     *os.File
	runLog  *os.File
	passed  bool

	logger *logrus.Entry
}

// NewTestEnv prepares the working directory and log files for one test.
// When the config carries no seed, a fresh time-derived one is drawn so
// every test remains reproducible from its logged seed.
func NewTestEnv(cfg *Config, workDir, id string) (*TestEnv, error) {
	seed := cfg.Seed
	if !cfg.HasSeed {
		seed = time.Now().UnixNano()
	}

	testDir := filepath.Join(workDir, "test-"+id)
	if err := os.MkdirAll(testDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "the working directory %s cannot be used", workDir)
	}

	log, err := os.Create(filepath.Join(testDir, "test.log"))
	if err != nil {
		os.RemoveAll(testDir)
		return nil, errors.Wrap(err, "cannot create test log")
	}

	runLog, err := os.OpenFile(filepath.Join(workDir, "run.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Close()
		os.RemoveAll(testDir)
		return nil, errors.Wrap(err, "cannot open run log")
	}

	return &TestEnv{
		cfg:     cfg,
		id:      id,
		seed:    seed,
		testDir: testDir,
		log:     log,
		runLog:  runLog,
		logger: logrus.WithFields(logrus.Fields{
			"test": id,
			"seed": seed,
		}),
	}, nil
}

// Seed returns the seed this test's image is generated from.
func (e *TestEnv) Seed() int64 {
	return e.seed
}

// Passed reports whether the tool under test survived the image.
func (e *TestEnv) Passed() bool {
	return e.passed
}

// Execute generates a fuzzed image and runs the tool under test against
// it. The test fails only when the tool is killed by a signal; any exit
// code, including rejection of the corrupted image, is a pass.
func (e *TestEnv) Execute() error {
	imagePath := filepath.Join(e.testDir, imageFileName)
	if err := e.createImage(imagePath); err != nil {
		return err
	}

	binary := e.cfg.ResolveBinary()
	args := append(append([]string{}, e.cfg.Command...), imagePath)

	summary := fmt.Sprintf("Seed: %d\nCommand: %s %v\nTest directory: %s\n",
		e.seed, binary, args, e.testDir)

	status, err := e.runTool(binary, args)
	if err != nil {
		e.multilog(summary + fmt.Sprintf("Error: start of %q failed. Reason: %v\n\n",
			binary, err))
		return errors.Wrapf(err, "start of %q failed", binary)
	}

	switch {
	case status.timedOut:
		e.multilog(summary + fmt.Sprintf("FAIL: test timed out after %s\n\n",
			e.cfg.Timeout))
		e.logger.WithField("timeout", e.cfg.Timeout).Error("tool under test hung")
	case status.signal != 0:
		e.multilog(summary + fmt.Sprintf("FAIL: test terminated by signal %s\n\n",
			unix.SignalName(status.signal)))
		e.logger.WithField("signal", unix.SignalName(status.signal)).
			Error("tool under test crashed")
	case e.cfg.Verbose:
		e.multilog(summary + fmt.Sprintf("PASS: application exited with the code %d\n\n",
			status.exitCode))
		e.passed = true
	default:
		e.passed = true
	}
	return nil
}

// createImage builds, fuzzes and writes the test image.
func (e *TestEnv) createImage(path string) error {
	opts := []qcow2.GeneratorOption{qcow2.WithSeed(e.seed)}
	if e.cfg.MinFuzzPercent != 0 || e.cfg.MaxFuzzPercent != 0 {
		opts = append(opts, qcow2.WithFuzzPercent(e.cfg.MinFuzzPercent, e.cfg.MaxFuzzPercent))
	}

	img, err := qcow2.GenerateImage(opts...)
	if err != nil {
		return errors.Wrap(err, "image generation failed")
	}
	img.Fuzz(e.cfg.Fields)
	if err := img.WriteTo(path); err != nil {
		return errors.Wrap(err, "image write failed")
	}
	return nil
}

type toolStatus struct {
	exitCode int
	signal   syscall.Signal
	timedOut bool
}

// runTool executes the tool under test with its output captured in the
// test log. A start failure (binary missing, not executable) is an
// error; a crash or non-zero exit is reported in the status.
func (e *TestEnv) runTool(binary string, args []string) (toolStatus, error) {
	ctx := context.Background()
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = e.testDir
	cmd.Stdout = e.log
	cmd.Stderr = e.log

	err := cmd.Run()
	if err == nil {
		return toolStatus{}, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return toolStatus{}, err
	}

	status := toolStatus{exitCode: exitErr.ExitCode()}
	if ctx.Err() == context.DeadlineExceeded {
		// The kill came from the timeout, not from a bug in the tool.
		status.timedOut = true
		return status, nil
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.signal = ws.Signal()
	}
	return status, nil
}

// multilog writes a message to both the per-test and the summary log.
func (e *TestEnv) multilog(msg string) {
	io.WriteString(e.log, msg)
	io.WriteString(e.runLog, msg)
}

// Finish closes the logs and removes the directories of passed tests.
func (e *TestEnv) Finish() error {
	e.log.Close()
	e.runLog.Close()
	if e.passed && !e.cfg.KeepPassed {
		return errors.Wrap(os.RemoveAll(e.testDir), "cleanup failed")
	}
	return nil
}

// EnableCoreDumps raises RLIMIT_CORE to its hard limit so a crashing
// tool leaves a core file next to the image that felled it.
func EnableCoreDumps() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &lim); err != nil {
		return errors.Wrap(err, "getrlimit")
	}
	lim.Cur = lim.Max
	return errors.Wrap(unix.Setrlimit(unix.RLIMIT_CORE, &lim), "setrlimit")
}
