package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/asheshgoplani/deck-driver/internal/config"
	"github.com/asheshgoplani/deck-driver/internal/driver"
	"github.com/asheshgoplani/deck-driver/internal/logging"
)

const Version = "1.0.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("deck-driver v%s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	case "run":
		runDaemon(args[1:])
	case "press":
		runPress(args[1:])
	case "buttons", "ls":
		runButtons(args[1:])
	case "vars":
		runVars(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`deck-driver - flag-driven command dispatch for a multi-button input device

Usage:
  deck-driver run               Start the dispatch daemon
  deck-driver press [-long] ID  Spool a press event for button ID
  deck-driver buttons [--json]  List configured buttons
  deck-driver vars [NAME [VAL]] Show or set session variables
  deck-driver version           Print version
  deck-driver help              Show this help
`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (using defaults)\n", err)
		cfg = config.Default()
	}
	return cfg
}

// initLogging wires the file logger. Short-lived subcommands pass
// withFile=false and discard log output.
func initLogging(cfg *config.Config, withFile bool) {
	lc := logging.Config{
		Level:     cfg.Logs.Level,
		Format:    cfg.Logs.Format,
		MaxSizeMB: cfg.Logs.MaxSizeMB,
	}
	if withFile {
		lc.LogDir = config.HomeDir()
	}
	logging.Init(lc)
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	initLogging(cfg, true)
	defer logging.Shutdown()

	d, err := driver.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("deck-driver v%s running (events: %s)\n", Version, config.EventsDir())
	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("deck-driver stopped")
}

func runPress(args []string) {
	fs := flag.NewFlagSet("press", flag.ExitOnError)
	long := fs.Bool("long", false, "spool a long press")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: deck-driver press [-long] <button-id>")
		os.Exit(1)
	}
	id, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad button id %q\n", fs.Arg(0))
		os.Exit(1)
	}

	cfg := loadConfig()
	initLogging(cfg, false)

	if err := driver.WritePressEvent(config.EventsDir(), driver.PressEvent{ButtonID: id, Long: *long}); err != nil {
		fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
		os.Exit(1)
	}
}

func runButtons(args []string) {
	fs := flag.NewFlagSet("buttons", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "output JSON")
	fs.Parse(args)

	cfg := loadConfig()
	initLogging(cfg, false)

	st, err := driver.OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	buttons, err := st.ListButtons(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
		os.Exit(1)
	}
	sort.Slice(buttons, func(i, j int) bool { return buttons[i].ID < buttons[j].ID })

	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(buttons); err != nil {
			fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
			os.Exit(1)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tFLAGS\tKEYWORD\tCOMMAND")
	for _, b := range buttons {
		cmd := b.Command
		if len(cmd) > 60 {
			cmd = cmd[:57] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.Label, b.Flags, b.MonitorKeyword, cmd)
	}
	w.Flush()
}

func runVars(args []string) {
	fs := flag.NewFlagSet("vars", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	initLogging(cfg, false)

	st, err := driver.OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	ctx := context.Background()

	switch fs.NArg() {
	case 0:
		vars, err := st.GetVariables(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
			os.Exit(1)
		}
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s=%s\n", name, vars[name])
		}
	case 1:
		vars, err := st.GetVariables(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
			os.Exit(1)
		}
		value, ok := vars[fs.Arg(0)]
		if !ok {
			fmt.Fprintf(os.Stderr, "no variable %q\n", fs.Arg(0))
			os.Exit(1)
		}
		fmt.Println(value)
	case 2:
		name, value := fs.Arg(0), fs.Arg(1)
		if err := st.SetVariables(ctx, map[string]string{name: value}); err != nil {
			fmt.Fprintf(os.Stderr, "deck-driver: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s=%s\n", name, value)
	default:
		fmt.Fprintln(os.Stderr, "usage: deck-driver vars [NAME [VALUE]]")
		os.Exit(1)
	}
}
