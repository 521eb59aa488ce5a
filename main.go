// propbus talks to objects on a D-Bus message bus: it serves an availability
// object, reads and writes properties, calls methods, follows signals and
// streams property changes over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/propbus/internal/api"
	"github.com/nikicat/propbus/internal/bus"
	"github.com/nikicat/propbus/internal/cli"
	"github.com/nikicat/propbus/internal/codec"
	"github.com/nikicat/propbus/internal/config"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
	"github.com/nikicat/propbus/internal/logging"
	"github.com/nikicat/propbus/internal/service"
	"github.com/nikicat/propbus/internal/vr"
)

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "set":
		runSet(os.Args[2:])
	case "toggle":
		runToggle(os.Args[2:])
	case "call":
		runCall(os.Args[2:])
	case "introspect":
		runIntrospect(os.Args[2:])
	case "listen":
		runListen(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "status":
		runGateway("status", os.Args[2:])
	case "events":
		runGateway("events", os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Own a bus name and export the IsAvailable object
  get           Print one, several or all properties of the target
  set           Set a property of the target
  toggle        Flip a boolean property of the target (default IsAvailable)
  call          Call a method of the target
  introspect    Describe the target interface
  listen        Follow property changes, signals and owner changes
  watch         Serve the target over HTTP and WebSocket
  status        Show the status of a running watch gateway
  events        Stream events from a running watch gateway
  service       Manage the systemd user service for serve

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

// commonFlags are shared by every command that talks to the bus.
type commonFlags struct {
	configPath *string
	bus        *string
	wait       *time.Duration
	name       *string
	path       *string
	iface      *string
	timeout    *time.Duration
	logLevel   *string
	logFormat  *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/propbus/config.yaml)"),
		bus:        fs.String("bus", "", "Bus: session, system or a D-Bus address (default: session)"),
		wait:       fs.Duration("wait", 0, "Wait this long for a unix:path= bus socket to appear"),
		name:       fs.String("name", "", "Bus name of the target (default: "+dbustypes.VRBusName+")"),
		path:       fs.String("path", "", "Object path of the target (default: "+dbustypes.VRPath+")"),
		iface:      fs.String("interface", "", "Interface of the target (default: "+dbustypes.VRInterface+")"),
		timeout:    fs.Duration("timeout", 0, "Method call timeout (default: 25s)"),
		logLevel:   fs.String("log-level", "", "Log level: debug, info, warn, error (default: info)"),
		logFormat:  fs.String("log-format", "", "Log format: text (colored) or json (default: text)"),
	}
}

// resolve loads the config file, lets explicitly set flags override it,
// fills in defaults and installs the logger.
func (c *commonFlags) resolve(fs *flag.FlagSet) *config.Config {
	cfg, err := loadConfig(*c.configPath)
	if err != nil {
		fatal(err)
	}
	set := setFlags(fs)
	if set["bus"] {
		cfg.Bus = *c.bus
	}
	if set["wait"] {
		cfg.WaitForSocket = config.Duration(*c.wait)
	}
	if set["name"] {
		cfg.Target.Name = *c.name
	}
	if set["path"] {
		cfg.Target.Path = *c.path
	}
	if set["interface"] {
		cfg.Target.Interface = *c.iface
	}
	if set["timeout"] {
		cfg.CallTimeout = config.Duration(*c.timeout)
	}
	if set["log-level"] {
		cfg.LogLevel = *c.logLevel
	}
	if set["log-format"] {
		cfg.LogFormat = *c.logFormat
	}
	if set["listen"] {
		cfg.Listen = fs.Lookup("listen").Value.String()
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		fatal(fmt.Errorf("invalid configuration: %w", err))
	}

	handler := logging.NewHandler(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(slog.New(handler))
	return cfg
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func connect(ctx context.Context, cfg *config.Config) *bus.Connection {
	opts := []bus.Option{
		bus.WithLogger(slog.Default()),
		bus.WithCallTimeout(time.Duration(cfg.CallTimeout)),
		bus.WithSocketWait(time.Duration(cfg.WaitForSocket)),
	}
	kind := bus.SessionBus
	switch cfg.Bus {
	case "session":
	case "system":
		kind = bus.SystemBus
	default:
		opts = append(opts, bus.WithAddress(cfg.Bus))
	}

	conn, err := bus.Connect(ctx, kind, opts...)
	if err != nil {
		fatal(err)
	}
	return conn
}

func newProxy(conn *bus.Connection, cfg *config.Config, opts ...bus.ProxyOption) *bus.ObjectProxy {
	p, err := bus.NewObjectProxy(conn, cfg.TargetAddress(), opts...)
	if err != nil {
		fatal(err)
	}
	return p
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	initial := fs.Bool("available", false, "Initial value of IsAvailable")
	fs.Parse(args)
	cfg := common.resolve(fs)

	ctx, cancel := signalContext()
	defer cancel()

	conn := connect(ctx, cfg)
	defer conn.Close()

	target := cfg.TargetAddress()
	svc := vr.NewService(conn.Raw(),
		vr.WithName(target.Name),
		vr.WithPath(target.Path),
		vr.WithInterface(target.Interface),
		vr.WithInitial(*initial),
		vr.WithLogger(slog.Default()),
	)
	if err := svc.Serve(ctx); err != nil {
		fatal(err)
	}
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	common := addCommonFlags(fs)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s get [options] [PROPERTY...]\n", progName)
		fs.PrintDefaults()
	}
	fs.Parse(args)
	cfg := common.resolve(fs)

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()
	p := newProxy(conn, cfg)
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	if fs.NArg() == 0 {
		props, err := p.GetAll(ctx)
		if err != nil {
			fatal(err)
		}
		formatter.FormatProperties(props)
		return
	}
	for _, name := range fs.Args() {
		v, err := p.GetProperty(ctx, name)
		if err != nil {
			fatal(err)
		}
		formatter.FormatValue(name, v)
	}
}

func runSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	common := addCommonFlags(fs)
	typ := fs.String("type", "", "D-Bus type of the value (default: from introspection)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s set [options] PROPERTY VALUE\n", progName)
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(1)
	}
	cfg := common.resolve(fs)
	name, text := fs.Arg(0), fs.Arg(1)

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()
	p := newProxy(conn, cfg)

	sig := *typ
	if sig == "" {
		desc, err := p.Introspect(ctx)
		if err != nil {
			slog.Debug("introspection failed, inferring value type", "error", err)
		} else if prop, ok := desc.Property(name); ok {
			sig = prop.Type
		}
	}

	value, err := cli.ParseValue(sig, text)
	if err != nil {
		fatal(err)
	}
	if err := p.SetProperty(ctx, name, value); err != nil {
		fatal(err)
	}
}

func runToggle(args []string) {
	fs := flag.NewFlagSet("toggle", flag.ExitOnError)
	common := addCommonFlags(fs)
	property := fs.String("property", dbustypes.PropIsAvailable, "Boolean property to flip")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)
	cfg := common.resolve(fs)

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	var now bool
	if *property == dbustypes.PropIsAvailable {
		client, err := vr.NewClient(conn, cfg.TargetAddress())
		if err != nil {
			fatal(err)
		}
		defer client.Close()
		if now, err = client.Toggle(ctx); err != nil {
			fatal(err)
		}
	} else {
		p := newProxy(conn, cfg)
		v, err := p.GetProperty(ctx, *property)
		if err != nil {
			fatal(err)
		}
		was, err := codec.Bool(v)
		if err != nil {
			fatal(err)
		}
		if err := p.SetProperty(ctx, *property, !was); err != nil {
			fatal(err)
		}
		now = !was
	}
	formatter.FormatValue(*property, dbus.MakeVariant(now))
}

func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	common := addCommonFlags(fs)
	noAutoStart := fs.Bool("no-auto-start", false, "Do not let the bus activate the target")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s call [options] METHOD [TYPE:VALUE...]\n", progName)
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}
	cfg := common.resolve(fs)

	callArgs, err := cli.ParseArgs(fs.Args()[1:])
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()

	var opts []bus.ProxyOption
	if *noAutoStart {
		opts = append(opts, bus.WithNoAutoStart())
	}
	p := newProxy(conn, cfg, opts...)

	reply, err := p.Call(ctx, fs.Arg(0), callArgs...)
	if err != nil {
		fatal(err)
	}
	cli.NewFormatter(os.Stdout, *jsonOutput).FormatReply(reply.Body)
}

func runIntrospect(args []string) {
	fs := flag.NewFlagSet("introspect", flag.ExitOnError)
	common := addCommonFlags(fs)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)
	cfg := common.resolve(fs)

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()

	desc, err := newProxy(conn, cfg).Introspect(ctx)
	if err != nil {
		fatal(err)
	}
	cli.NewFormatter(os.Stdout, *jsonOutput).FormatInterface(desc)
}

func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	common := addCommonFlags(fs)
	signals := fs.Bool("signals", false, "Also print every other signal of the target interface")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)
	cfg := common.resolve(fs)

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()
	p := newProxy(conn, cfg)
	defer p.Close()
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	if _, err := p.OnPropertiesChanged(func(change dbustypes.PropertiesChanged) {
		formatter.FormatPropertiesChanged(change)
	}); err != nil {
		fatal(err)
	}
	if *signals {
		if _, err := p.OnSignal("", func(sig *dbustypes.Signal) {
			formatter.FormatSignal(sig)
		}); err != nil {
			fatal(err)
		}
	}
	if _, err := conn.OnNameOwnerChanged(cfg.Target.Name, func(change dbustypes.NameOwnerChange) {
		formatter.FormatOwnerChange(change)
	}); err != nil {
		fatal(err)
	}
	conn.OnStateChange(func(state bus.State) {
		formatter.FormatState(state)
	})

	slog.Info("listening", "target", cfg.TargetAddress().String(), "owner", conn.NameOwner(cfg.Target.Name))
	if err := conn.RunEventLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.String("listen", config.DefaultListenAddr, "HTTP API listen address")
	fs.Parse(args)
	cfg := common.resolve(fs)

	ctx, cancel := signalContext()
	defer cancel()
	conn := connect(ctx, cfg)
	defer conn.Close()
	p := newProxy(conn, cfg)
	defer p.Close()

	server, err := api.NewServer(cfg.Listen, conn, p)
	if err != nil {
		fatal(fmt.Errorf("error creating API server: %w", err))
	}
	if err := server.Start(); err != nil {
		fatal(fmt.Errorf("error starting API server: %w", err))
	}
	slog.Info("API server started", "url", "http://"+server.Addr(), "target", cfg.TargetAddress().String())

	// Graceful shutdown of API server
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := conn.RunEventLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("event loop stopped", "error", err)
	}
}

func runGateway(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/propbus/config.yaml)")
	serverAddr := fs.String("server", config.DefaultListenAddr, "Watch gateway address")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	// Load config and apply values for flags not explicitly set
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if !setFlags(fs)["server"] && cfg.Listen != "" {
		*serverAddr = cfg.Listen
	}

	client := cli.NewClient(*serverAddr)
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	switch cmd {
	case "status":
		status, err := client.Status()
		if err != nil {
			fatal(err)
		}
		formatter.FormatStatus(status)

	case "events":
		ctx, cancel := signalContext()
		defer cancel()
		if err := client.Stream(ctx, func(m *cli.Message) { formatter.FormatMessage(m) }); err != nil {
			fatal(err)
		}
	}
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) < 1 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		fs := flag.NewFlagSet("service install", flag.ExitOnError)
		configPath := fs.String("config", "", "Config file path to pass to serve")
		name := fs.String("name", dbustypes.VRBusName, "Bus name the service owns")
		start := fs.Bool("start", false, "Start the service after installing")
		fs.Parse(args[1:])
		if err := service.Install(service.Options{BusName: *name, ConfigPath: *configPath, Start: *start}); err != nil {
			fatal(err)
		}
	case "uninstall":
		fs := flag.NewFlagSet("service uninstall", flag.ExitOnError)
		name := fs.String("name", dbustypes.VRBusName, "Bus name the service owns")
		fs.Parse(args[1:])
		if err := service.Uninstall(*name); err != nil {
			fatal(err)
		}
	case "status":
		service.Status()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install     Install the systemd user unit and bus activation file
  uninstall   Stop, disable and remove them
  status      Show systemctl status of the service
`, progName)
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		cfg, err := config.LoadFile(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
