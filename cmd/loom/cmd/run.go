package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/go-loom/loom/cmd/loom/internal/scenario"
	"github.com/go-loom/loom/pkg/compose"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a recomposition scenario",
		Long: `Run loads a YAML scenario describing cells, a unit tree, and a
sequence of frames, executes it, and reports how often each unit
recomposed together with the final cell values.

Example scenario:

  name: counter
  cells:
    - name: count
      initial: 0
  root:
    name: app
    children:
      - name: header
        reads: [count]
      - name: footer
  frames:
    - writes: {count: 1}
    - writes: {count: 2}`,
		Args: cobra.ExactArgs(1),
		RunE: runScenario,
	}
	rootCmd.AddCommand(cmd)
}

func runScenario(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}

	result, err := scenario.Run(sc, compose.WithLogger(log))
	if err != nil {
		return err
	}

	fmt.Printf("scenario %s (run %s)\n", sc.Name, result.RunID)
	fmt.Printf("  frames: %d\n", result.Frames)
	fmt.Println("  executions:")
	for _, name := range sortedStringKeys(result.Executions) {
		fmt.Printf("    %-20s %d\n", name, result.Executions[name])
	}
	fmt.Println("  final state:")
	for _, name := range sortedStringKeys(result.Final) {
		fmt.Printf("    %-20s %d\n", name, result.Final[name])
	}
	return nil
}

func sortedStringKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
