package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	nixsub "github.com/ConnorBaker/nix-sub002"
)

const (
	appName     = "nixsub"
	historyFile = ".nixsub_history"
	promptMain  = "nix> "
	promptCont  = "...> "
)

var (
	banner   = fmt.Sprintf("nixsub %s REPL\nCtrl+C cancels input, Ctrl+D exits. Type :quit to exit.", nixsub.Version)
	helpText = `
REPL commands:
  :quit    Exit the REPL
`
)

func red(s string) string { return "\x1b[31m" + s + "\x1b[0m" }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "repl":
		os.Exit(cmdRepl(os.Args[2:]))
	case "check":
		os.Exit(cmdCheck(os.Args[2:]))
	case "version":
		fmt.Println(nixsub.Version)
		return
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", appName, cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Printf(`nixsub %s

Usage:
  %s run [--json] [--drv] <file.nix>   Evaluate a file and print the result.
  %s repl                              Start the REPL.
  %s check <file.nix> [more...]        Parse and analyze file(s) without evaluating.
  %s version                           Print the version.

`, nixsub.Version, appName, appName, appName, appName)
}

// -----------------------------------------------------------------------------
// run
// -----------------------------------------------------------------------------

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the result as JSON")
	asDrv := fs.Bool("drv", false, "print the result as a derivation record")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s run [--json] [--drv] <file.nix>\n", appName)
		return 2
	}
	file := fs.Arg(0)

	s := nixsub.NewSession("")
	v, err := s.EvalFile(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return 1
	}

	switch {
	case *asDrv:
		rec, err := nixsub.ExtractDerivation(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return 1
		}
		text, jerr := json.MarshalIndent(rec, "", "  ")
		if jerr != nil {
			fmt.Fprintln(os.Stderr, red(jerr.Error()))
			return 1
		}
		fmt.Println(string(text))
	case *asJSON:
		text, err := nixsub.FormatJSON(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return 1
		}
		fmt.Println(text)
	default:
		fmt.Println(nixsub.FormatValue(v))
	}
	return 0
}

// -----------------------------------------------------------------------------
// check
// -----------------------------------------------------------------------------

func cmdCheck(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s check <file.nix> [more...]\n", appName)
		return 2
	}

	bad := 0
	for _, file := range args {
		src, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, file, err)
			bad++
			continue
		}
		s := nixsub.NewSession(filepath.Dir(file))
		if err := s.Check(file, string(src)); err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			bad++
		}
	}
	if bad > 0 {
		return 1
	}
	return 0
}

// -----------------------------------------------------------------------------
// repl
// -----------------------------------------------------------------------------

func cmdRepl(_ []string) (ret int) {
	fmt.Println(banner)
	nixsub.EnableColor = true

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	s := nixsub.NewSession("")

	for {
		code, ok := readByParseProbe(ln, promptMain, promptCont)
		if !ok {
			fmt.Println()
			break
		}

		if strings.HasPrefix(strings.TrimSpace(code), ":") {
			switch strings.TrimSpace(strings.ToLower(code)) {
			case ":quit":
				return 0
			case ":help":
				fmt.Print(helpText)
			default:
				fmt.Printf("unknown command. Type :quit to exit.\n")
			}
			continue
		}

		if strings.TrimSpace(code) == "" {
			continue
		}

		v, err := s.EvalSource("<repl>", code)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			continue
		}
		fmt.Println(nixsub.FormatValue(v))
		ln.AppendHistory(strings.ReplaceAll(code, "\n", " "))
	}

	return 0
}

// readByParseProbe accumulates lines until the input parses or fails
// with a definite error. Incomplete parses keep the continuation
// prompt going.
func readByParseProbe(ln *liner.State, prompt, cont string) (string, bool) {
	var b strings.Builder

	for {
		var line string
		var err error
		if b.Len() == 0 {
			line, err = ln.Prompt(prompt)
		} else {
			line, err = ln.Prompt(cont)
		}
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if err != nil {
			return "", true
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)

		src := b.String()
		_, perr := nixsub.ParseExprInteractive(src)
		if perr == nil {
			return src, true
		}
		if nixsub.IsIncomplete(perr) {
			continue
		}
		return src, true
	}
}
