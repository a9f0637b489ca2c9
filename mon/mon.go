package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/template"
	"unicode"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/command"
)

var commands = command.Commands

var exitStatus = 0
var exitMu sync.Mutex

func setExitStatus(n int) {
	exitMu.Lock()
	if exitStatus < n {
		exitStatus = n
	}
	exitMu.Unlock()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	if args[0] == "help" {
		help(args[1:])
		return
	}

	for _, cmd := range commands {
		if cmd.Name() == args[0] && cmd.Run != nil {
			cmd.Flag.Usage = func() { cmd.Usage() }
			cmd.Flag.Parse(args[1:])
			args = cmd.Flag.Args()
			if !cmd.Run(cmd, args) {
				fmt.Fprintf(os.Stderr, "Default Parameters:\n")
				cmd.Flag.PrintDefaults()
				fmt.Fprintf(os.Stderr, "\n")
				cmd.Flag.Usage()
			}
			exit()
			return
		}
	}

	fmt.Fprintf(os.Stderr, "mapmon: unknown subcommand %q\nRun 'mapmon help' for usage.\n", args[0])
	setExitStatus(2)
	exit()
}

var usageTemplate = `mapmon keeps the authoritative map of a storage cluster: its devices, pools and placement groups.

Usage:

	mapmon command [arguments]

The commands are:
{{range .}}{{if .Runnable}}
    {{.Name | printf "%-11s"}} {{.Short}}{{end}}{{end}}

Use "mapmon help [command]" for more information about a command.

`

var helpTemplate = `{{if .Runnable}}Usage: mapmon {{.UsageLine}}
{{end}}
  {{.Long}}
`

// tmpl executes the given template text on data, writing the result to w.
func tmpl(w io.Writer, text string, data interface{}) {
	t := template.New("top")
	t.Funcs(template.FuncMap{"trim": strings.TrimSpace, "capitalize": capitalize})
	template.Must(t.Parse(text))
	if err := t.Execute(w, data); err != nil {
		panic(err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToTitle(r)) + s[n:]
}

func printUsage(w io.Writer) {
	tmpl(w, usageTemplate, commands)
}

func usage() {
	printUsage(os.Stderr)
	fmt.Fprintf(os.Stderr, "For Logging, use \"mapmon [-logtostderr] [-v=2] [command]\"\n")
	os.Exit(2)
}

// help implements the 'help' command.
func help(args []string) {
	if len(args) == 0 {
		printUsage(os.Stdout)
		// not exit 2: succeeded at 'mapmon help'.
		return
	}
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: mapmon help command\n\nToo many arguments given.\n")
		os.Exit(2) // failed at 'mapmon help'
	}

	arg := args[0]

	for _, cmd := range commands {
		if cmd.Name() == arg {
			tmpl(os.Stdout, helpTemplate, cmd)
			// not exit 2: succeeded at 'mapmon help cmd'.
			return
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown help topic %#q.  Run 'mapmon help'.\n", arg)
	os.Exit(2) // failed at 'mapmon help cmd'
}

func exit() {
	glog.Flush()
	os.Exit(exitStatus)
}
