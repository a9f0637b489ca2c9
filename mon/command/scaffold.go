package command

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

func init() {
	cmdScaffold.Run = runScaffold // break init cycle
}

var cmdScaffold = &Command{
	UsageLine: "scaffold -output=.",
	Short:     "generate the configuration file",
	Long: `Generate mapmon.toml with all possible configurations for you to customize.

  The file is searched in ., $HOME/.mapmon/ and /etc/mapmon/.
  `,
}

var (
	outputPath = cmdScaffold.Flag.String("output", "", "if not empty, save the configuration file to this directory")
)

//go:embed scaffold/mapmon.toml
var MAPMON_TOML_EXAMPLE string

func runScaffold(cmd *Command, args []string) bool {
	if *outputPath != "" {
		target := filepath.Join(*outputPath, "mapmon.toml")
		if err := os.WriteFile(target, []byte(MAPMON_TOML_EXAMPLE), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", target, err)
			return false
		}
	} else {
		fmt.Print(MAPMON_TOML_EXAMPLE)
	}
	return true
}
