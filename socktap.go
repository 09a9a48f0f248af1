package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"

	"github.com/monasticacademy/socktap/pkg/intercept"
	"github.com/monasticacademy/socktap/pkg/logging"
)

// logger is the process-wide logger for the controller binary. The
// interception core never touches it; core packages get loggers handed
// to them explicitly.
var logger = logging.Default()

var errorColor = color.New(color.FgRed, color.Bold)
var headingColor = color.New(color.FgYellow, color.Bold)

func errorf(format string, parts ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	errorColor.Fprintf(os.Stderr, format, parts...)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "\n%s %s: run a command and observe or reroute its network activity\n\n", AppName, Version)

	headingColor.Fprintln(os.Stderr, "USAGE:")
	fmt.Fprintf(os.Stderr, "    %s [options] -- <command> [args...]\n\n", AppName)

	headingColor.Fprintln(os.Stderr, "EXAMPLES:")
	fmt.Fprintf(os.Stderr, "    # see where a program connects\n")
	fmt.Fprintf(os.Stderr, "    %s -v -- curl https://example.com\n\n", AppName)
	fmt.Fprintf(os.Stderr, "    # expose a server the program binds inside the trace\n")
	fmt.Fprintf(os.Stderr, "    %s --expose -- python3 -m http.server 8080\n\n", AppName)
	fmt.Fprintf(os.Stderr, "    # record delegated traffic for wireshark\n")
	fmt.Fprintf(os.Stderr, "    %s --pcap out.pcap -- ./myprogram\n\n", AppName)
}

func Main() error {
	var args struct {
		Verbose    bool     `arg:"-v,--verbose,env:SOCKTAP_VERBOSE" help:"enable debug logging"`
		Version    bool     `arg:"-V,--version" help:"print version information"`
		LogLevel   string   `arg:"--log-level,env:SOCKTAP_LOG_LEVEL" default:"info" help:"log level: error, warn, info, debug"`
		LogFile    string   `arg:"--log-file,env:SOCKTAP_LOG_FILE" help:"write logs to this file instead of stderr"`
		Mode       string   `arg:"--mode,env:SOCKTAP_MODE" default:"delegate" help:"delegate: controller owns sockets; redirect: real sockets through the proxy"`
		Interposer string   `arg:"--interposer,env:SOCKTAP_INTERPOSER" help:"path to the interposer library to LD_PRELOAD into the command"`
		IPCPath    string   `arg:"--ipc-path,env:SOCKTAP_IPC_PATH" help:"unix socket path for the control channel (default: per-pid temp path)"`
		SocksPort  int      `arg:"--socks-port" help:"fixed port for the loopback SOCKS5 proxy (default: ephemeral)"`
		DNS        string   `arg:"--dns" help:"resolve proxied names through this DNS server (host:port)"`
		Expose     bool     `arg:"--expose" help:"re-listen on all interfaces for ports the command binds"`
		Pcap       string   `arg:"--pcap" help:"write synthesized packets for delegated traffic to this pcap file"`
		Metrics    string   `arg:"--metrics,env:SOCKTAP_METRICS" help:"serve prometheus metrics on this address"`
		FDBase     int      `arg:"--fd-base,env:SOCKTAP_FD_BASE" help:"first number of the shim's private descriptor band (0 = auto)"`
		Command    []string `arg:"positional"`
	}
	arg.MustParse(&args)

	if args.Version {
		printVersion()
		return nil
	}
	if len(args.Command) == 0 {
		printUsage()
		return fmt.Errorf("no command specified")
	}
	if args.Mode != "delegate" && args.Mode != "redirect" {
		return fmt.Errorf("invalid mode %q: want delegate or redirect", args.Mode)
	}

	// set up logging before anything can go wrong
	level, err := logging.ParseLevel(args.LogLevel)
	if err != nil {
		errorf("%v, using info", err)
	}
	if args.Verbose {
		level = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stderr
	if args.LogFile != "" {
		f, err := os.OpenFile(args.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOutput = f
	}
	logger = logging.New(level, logOutput)

	// a bad interposer build should fail here, not silently produce an
	// untraced child
	if args.Interposer != "" {
		if err := preflightInterposer(args.Interposer); err != nil {
			return err
		}
		logger.Debugf("interposer %s exports all intercepted symbols", args.Interposer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *metricsCollector
	if args.Metrics != "" {
		metrics = newMetricsCollector()
		metrics.Serve(args.Metrics, logger.WithComponent("metrics"))
		logger.Infof("serving metrics on %s", args.Metrics)
	}

	var capture *captureWriter
	if args.Pcap != "" {
		capture, err = newCaptureWriter(args.Pcap, logger)
		if err != nil {
			return err
		}
		defer capture.Close()
		logger.Infof("capturing delegated traffic to %s", args.Pcap)
	}

	reg := newRegistry(logger)
	defer reg.CloseAll()

	ctl, err := newController(args.IPCPath, reg, metrics, capture, logger)
	if err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}
	defer ctl.Close()
	logger.Infof("control channel at %s", ctl.Path())

	proxy, err := newSocksProxy(args.SocksPort, args.DNS, metrics, logger)
	if err != nil {
		return fmt.Errorf("starting SOCKS5 proxy: %w", err)
	}
	defer proxy.Close()

	forwarder := newPortForwarder(ctl.Events(), args.Expose, logger)
	go forwarder.Run(ctx)

	// launch the command with the shim's environment; the interposer
	// reads these once at initialization
	logger.Infof("launching: %s", strings.Join(args.Command, " "))
	cmd := exec.Command(args.Command[0], args.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", intercept.EnvIPCPath, ctl.Path()),
		fmt.Sprintf("%s=%d", intercept.EnvSocksPort, proxy.Port()),
	)
	if args.Mode == "redirect" {
		// keep the channel for notifications, turn delegation off
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=1", intercept.EnvNoDelegate))
	}
	if args.Verbose {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=1", intercept.EnvVerbose))
	}
	if args.FDBase > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", intercept.EnvFDBase, args.FDBase))
	}
	if args.Interposer != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("LD_PRELOAD=%s", args.Interposer))
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", args.Command[0], err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if exiterr, ok := err.(*exec.ExitError); ok {
			os.Exit(exiterr.ExitCode())
		}
		if err != nil {
			return fmt.Errorf("running %s: %w", args.Command[0], err)
		}
		return nil
	case sig := <-sigChan:
		logger.Infof("received %v, shutting down", sig)
		cmd.Process.Signal(sig)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warnf("command did not exit after %v, killing", sig)
			cmd.Process.Kill()
			<-done
		}
		os.Exit(1)
	}
	return nil
}

func main() {
	if err := Main(); err != nil {
		errorf("%v", err)
		os.Exit(1)
	}
}
