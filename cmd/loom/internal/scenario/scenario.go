// Package scenario loads and executes declarative recomposition
// scenarios: a YAML file names cells, a unit tree reading them, and a
// sequence of frames writing them. The runner reports how often each
// unit executed and the final cell values, which makes scheduler
// behavior observable from the command line.
package scenario

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/mod/module"
	"gopkg.in/yaml.v3"

	"github.com/go-loom/loom/pkg/compose"
	"github.com/go-loom/loom/pkg/state"
)

// Scenario is the top-level document.
type Scenario struct {
	// Name identifies the scenario in logs and reports.
	Name string `yaml:"name"`
	// Module optionally names the Go module this scenario models; when
	// set it must be a valid module path.
	Module string `yaml:"module,omitempty"`
	// Cells declares the state cells available to units and frames.
	Cells []CellSpec `yaml:"cells"`
	// Root is the unit tree composed once at startup.
	Root UnitSpec `yaml:"root"`
	// Frames are executed in order after the initial composition.
	Frames []FrameSpec `yaml:"frames,omitempty"`
	// Parallelism sets the composer's drain parallelism (0 or 1 is
	// sequential).
	Parallelism int `yaml:"parallelism,omitempty"`
	// MaxPasses caps self-invalidation passes per frame.
	MaxPasses int `yaml:"max_passes,omitempty"`
}

// CellSpec declares one integer cell.
type CellSpec struct {
	Name    string `yaml:"name"`
	Initial int    `yaml:"initial,omitempty"`
	// Merge resolves apply conflicts: "" or "none" rejects, "ours"
	// keeps the applying write, "theirs" keeps the committed one.
	Merge string `yaml:"merge,omitempty"`
}

// UnitSpec declares one unit and its children.
type UnitSpec struct {
	Name     string     `yaml:"name"`
	Reads    []string   `yaml:"reads,omitempty"`
	Children []UnitSpec `yaml:"children,omitempty"`
}

// FrameSpec is one frame boundary with a batch of writes.
type FrameSpec struct {
	Writes map[string]int `yaml:"writes"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates scenario YAML.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Name == "" {
		return fmt.Errorf("scenario: name is required")
	}
	if sc.Module != "" {
		if err := module.CheckPath(sc.Module); err != nil {
			return fmt.Errorf("scenario %q: invalid module path: %w", sc.Name, err)
		}
	}
	if len(sc.Cells) == 0 {
		return fmt.Errorf("scenario %q: at least one cell is required", sc.Name)
	}
	cells := make(map[string]bool, len(sc.Cells))
	for _, c := range sc.Cells {
		if c.Name == "" {
			return fmt.Errorf("scenario %q: cell without a name", sc.Name)
		}
		if cells[c.Name] {
			return fmt.Errorf("scenario %q: duplicate cell %q", sc.Name, c.Name)
		}
		switch c.Merge {
		case "", "none", "ours", "theirs":
		default:
			return fmt.Errorf("scenario %q: cell %q: unknown merge %q", sc.Name, c.Name, c.Merge)
		}
		cells[c.Name] = true
	}

	units := make(map[string]bool)
	if err := validateUnit(sc.Name, &sc.Root, cells, units); err != nil {
		return err
	}
	for i, f := range sc.Frames {
		for name := range f.Writes {
			if !cells[name] {
				return fmt.Errorf("scenario %q: frame %d writes unknown cell %q", sc.Name, i, name)
			}
		}
	}
	return nil
}

func validateUnit(scName string, u *UnitSpec, cells, units map[string]bool) error {
	if u.Name == "" {
		return fmt.Errorf("scenario %q: unit without a name", scName)
	}
	if units[u.Name] {
		return fmt.Errorf("scenario %q: duplicate unit %q", scName, u.Name)
	}
	units[u.Name] = true
	for _, r := range u.Reads {
		if !cells[r] {
			return fmt.Errorf("scenario %q: unit %q reads unknown cell %q", scName, u.Name, r)
		}
	}
	for i := range u.Children {
		if err := validateUnit(scName, &u.Children[i], cells, units); err != nil {
			return err
		}
	}
	return nil
}

// Result summarizes one scenario run.
type Result struct {
	// RunID is the runtime's identity for correlating logs.
	RunID string
	// Frames is how many frame boundaries ran.
	Frames int
	// Executions maps unit name to how often it executed.
	Executions map[string]int
	// Final maps cell name to its committed value after the last frame.
	Final map[string]int
}

// Run executes the scenario against a fresh runtime.
func Run(sc *Scenario, opts ...compose.RuntimeOption) (*Result, error) {
	rt := compose.NewRuntime(opts...)
	defer rt.Close()

	cells := make(map[string]*state.Cell[int], len(sc.Cells))
	for _, spec := range sc.Cells {
		cellOpts := []state.CellOption[int]{state.WithName[int](spec.Name)}
		switch spec.Merge {
		case "ours":
			cellOpts = append(cellOpts, state.WithMerge(state.MergeOurs[int]()))
		case "theirs":
			cellOpts = append(cellOpts, state.WithMerge(state.MergeTheirs[int]()))
		}
		cells[spec.Name] = state.NewCell(rt.Store(), spec.Initial, cellOpts...)
	}

	var mu sync.Mutex
	executions := make(map[string]int)
	root := buildUnit(&sc.Root, cells, &mu, executions)

	composerOpts := []compose.ComposerOption{}
	if sc.Parallelism > 1 {
		composerOpts = append(composerOpts, compose.WithParallelism(sc.Parallelism))
	}
	if sc.MaxPasses > 0 {
		composerOpts = append(composerOpts, compose.WithMaxPasses(sc.MaxPasses))
	}
	comp := rt.NewComposer(root, composerOpts...)
	defer comp.Close()

	if err := comp.Compose(); err != nil {
		return nil, fmt.Errorf("scenario %q: initial composition: %w", sc.Name, err)
	}

	frames := 0
	for i, f := range sc.Frames {
		f := f
		err := comp.Frame(func(snap *state.Snapshot) {
			for _, name := range sortedKeys(f.Writes) {
				if err := cells[name].Set(snap, f.Writes[name]); err != nil {
					rt.Logger().Warn("frame write rejected",
						zap.String("cell", name), zap.Error(err))
				}
			}
		})
		if err != nil {
			return nil, fmt.Errorf("scenario %q: frame %d: %w", sc.Name, i, err)
		}
		frames++
	}

	result := &Result{
		RunID:      rt.ID().String(),
		Frames:     frames,
		Executions: make(map[string]int, len(executions)),
		Final:      make(map[string]int, len(cells)),
	}
	mu.Lock()
	for name, n := range executions {
		result.Executions[name] = n
	}
	mu.Unlock()
	for name, cell := range cells {
		result.Final[name] = cell.Get(rt.Store().Global())
	}
	return result, nil
}

func buildUnit(spec *UnitSpec, cells map[string]*state.Cell[int], mu *sync.Mutex, executions map[string]int) compose.Unit {
	children := make([]compose.Unit, len(spec.Children))
	for i := range spec.Children {
		children[i] = buildUnit(&spec.Children[i], cells, mu, executions)
	}
	reads := append([]string(nil), spec.Reads...)
	name := spec.Name

	return compose.UnitFunc(func(ctx *compose.Ctx) error {
		for _, r := range reads {
			compose.Read(ctx, cells[r])
		}
		mu.Lock()
		executions[name]++
		mu.Unlock()
		for _, child := range children {
			ctx.Child(child)
		}
		return nil
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
