// Command muos-sim drives a Kernel instance through the six end-to-end
// scenarios a production build's integration suite would exercise
// against real ARMv6 hardware (§8), and optionally drops into an
// interactive console for ad hoc poking at a booted kernel.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	muos "github.com/gomuos/muos"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/logging"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "verbose output")
		scenarioArg = flag.String("scenario", "", "run a single named scenario and exit (default: run all)")
		interactive = flag.Bool("i", false, "drop into an interactive console after the scenario run")
		list        = flag.Bool("list", false, "list available scenarios and exit")
	)
	flag.Parse()

	if *list {
		for _, s := range scenarios {
			fmt.Printf("%-28s %s\n", s.name, s.doc)
		}
		return
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	k, controller, timer, err := muos.NewTestKernel(muos.DefaultKernelConfig())
	if err != nil {
		logger.Error("failed to build kernel", "error", err)
		os.Exit(1)
	}
	if err := k.Boot(); err != nil {
		logger.Error("failed to boot kernel", "error", err)
		os.Exit(1)
	}
	defer k.Stop()

	// The preemption ticker blocks on ManualTimer.Tick() until something
	// calls Fire(); a background ticker here keeps the kernel's
	// need_resched flag moving the way a real hardware timer would,
	// without any scenario needing to know ManualTimer exists.
	tickerDone := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case <-t.C:
				timer.Fire()
			}
		}
	}()
	defer close(tickerDone)

	installStackDumpHandler(logger)

	if *scenarioArg != "" {
		runScenario(k, controller, logger, *scenarioArg)
	} else {
		for _, s := range scenarios {
			runScenario(k, controller, logger, s.name)
		}
	}

	if *interactive {
		runConsole(k, controller, logger)
	}
}

func runScenario(k *muos.Kernel, controller *hal.FakeInterruptController, logger *logging.Logger, name string) {
	s, ok := lookupScenario(name)
	if !ok {
		logger.Error("unknown scenario", "name", name)
		return
	}
	logger.Info("running scenario", "name", s.name)
	var (
		out string
		err error
	)
	if s.name == "irq-delivery" {
		out, err = scenarioIRQDelivery(k, controller)
	} else {
		out, err = s.run(k)
	}
	if err != nil {
		logger.Error("scenario failed", "name", s.name, "error", err)
		return
	}
	logger.Info("scenario passed", "name", s.name, "result", out)
}

// installStackDumpHandler mirrors the teacher's SIGUSR1 goroutine-dump
// hook (cmd/ublk-mem): useful here for diagnosing a scenario that never
// reaches its done channel.
func installStackDumpHandler(logger *logging.Logger) {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
			logger.Info("stack trace dumped to stderr")
		}
	}()
}

// runConsole is an optional, intentionally small debug shell: it
// tokenizes typed commands with shlex (so quoted scenario names and
// future multi-word arguments work the way a real shell would) and
// dispatches them against the live Kernel.
func runConsole(k *muos.Kernel, controller *hal.FakeInterruptController, logger *logging.Logger) {
	fmt.Println("muos-sim interactive console — commands: list, run <scenario>, snapshot, quit")
	in := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("muos> ")
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		fields, err := shlex.Split(line)
		if err != nil || len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "list":
			for _, s := range scenarios {
				fmt.Printf("%-28s %s\n", s.name, s.doc)
			}
		case "run":
			if len(fields) < 2 {
				fmt.Println("usage: run <scenario>")
				continue
			}
			runScenario(k, controller, logger, fields[1])
		case "snapshot":
			snap := k.Metrics.Snapshot(k.Clock.Now())
			fmt.Printf("%+v\n", snap)
		default:
			fmt.Println("unknown command:", strings.Join(fields, " "))
		}
	}
}
