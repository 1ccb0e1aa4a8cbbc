package language

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"
)

var defaultEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
}

// Entry is a single language as written in the language table
type Entry struct {
	Name             string   `yaml:"name"`
	Source           string   `yaml:"source"`
	Compile          string   `yaml:"compile"`
	Run              string   `yaml:"run"`
	Env              []string `yaml:"env"`
	CompileProcLimit uint64   `yaml:"compileProcLimit"`
	RunProcLimit     uint64   `yaml:"runProcLimit"`
}

// Builtin languages
var Builtin = []Entry{
	{
		Name:    "c11",
		Source:  "main.c",
		Compile: "gcc -std=c11 -O2 -w -static -o prog main.c -lm",
		Run:     "./prog",
	},
	{
		Name:    "c++17",
		Source:  "main.cpp",
		Compile: "g++ -std=c++17 -O2 -w -static -o prog main.cpp",
		Run:     "./prog",
	},
	{
		Name:    "c++20",
		Source:  "main.cpp",
		Compile: "g++ -std=c++20 -O2 -w -static -o prog main.cpp",
		Run:     "./prog",
	},
	{
		Name:    "python3",
		Source:  "main.py",
		Compile: `python3 -c "import py_compile; py_compile.compile('main.py', doraise=True)"`,
		Run:     "python3 main.py",
	},
	{
		Name:         "haskell",
		Source:       "main.hs",
		Compile:      "ghc -O2 -o prog main.hs",
		Run:          "./prog",
		RunProcLimit: 8,
	},
}

const (
	defaultCompileProcLimit = 64
	defaultRunProcLimit     = 1
)

type lang struct {
	source  string
	compile []string
	run     []string
	env     []string

	compileProc uint64
	runProc     uint64
}

var _ Language = &Table{}

// Table is the language table, read only after creation
type Table struct {
	langs map[string]*lang
}

// NewTable creates table from entries, later entries replace earlier ones
// with the same name
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{langs: make(map[string]*lang)}
	for _, e := range entries {
		l, err := parseEntry(e)
		if err != nil {
			return nil, err
		}
		t.langs[e.Name] = l
	}
	return t, nil
}

// Default creates the table of builtin languages
func Default() *Table {
	t, err := NewTable(Builtin...)
	if err != nil {
		panic(err)
	}
	return t
}

// Load reads the YAML language table and merges it over the builtin
// languages. An empty path loads the builtin languages only.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("language: %w", err)
	}
	var conf struct {
		Languages []Entry `yaml:"languages"`
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("language: parse %s: %w", path, err)
	}
	return NewTable(append(Builtin[:len(Builtin):len(Builtin)], conf.Languages...)...)
}

func parseEntry(e Entry) (*lang, error) {
	if e.Name == "" || e.Source == "" || e.Run == "" {
		return nil, fmt.Errorf("language %q: name, source and run are required", e.Name)
	}
	l := &lang{
		source:      e.Source,
		env:         defaultEnv,
		compileProc: e.CompileProcLimit,
		runProc:     e.RunProcLimit,
	}
	if len(e.Env) > 0 {
		l.env = e.Env
	}
	if l.compileProc == 0 {
		l.compileProc = defaultCompileProcLimit
	}
	if l.runProc == 0 {
		l.runProc = defaultRunProcLimit
	}

	var err error
	if e.Compile != "" {
		if l.compile, err = shlex.Split(e.Compile); err != nil {
			return nil, fmt.Errorf("language %q: compile command: %w", e.Name, err)
		}
	}
	if l.run, err = shlex.Split(e.Run); err != nil {
		return nil, fmt.Errorf("language %q: run command: %w", e.Name, err)
	}
	if len(l.run) == 0 {
		return nil, fmt.Errorf("language %q: empty run command", e.Name)
	}
	return l, nil
}

// Get returns the exec param, the program path is resolved by PATH lookup
// when it has no slash since the sandbox executes the path directly
func (t *Table) Get(name string, typ Type) (ExecParam, error) {
	l, ok := t.langs[name]
	if !ok {
		return ExecParam{}, fmt.Errorf("%w: %s", ErrUnknownLanguage, name)
	}
	p := ExecParam{
		SourceFileName: l.source,
		Env:            l.env,
	}
	var args []string
	switch typ {
	case TypeCompile:
		args = l.compile
		p.ProcLimit = l.compileProc
	case TypeRun:
		args = l.run
		p.ProcLimit = l.runProc
	default:
		return ExecParam{}, fmt.Errorf("language: invalid type %d", typ)
	}
	if len(args) == 0 {
		return p, nil
	}
	p.Args = append([]string(nil), args...)
	if !strings.Contains(p.Args[0], "/") {
		path, err := exec.LookPath(p.Args[0])
		if err != nil {
			return ExecParam{}, fmt.Errorf("language %s: %w", name, err)
		}
		p.Args[0] = path
	}
	return p, nil
}

// Names returns the names of all languages
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.langs))
	for n := range t.langs {
		names = append(names, n)
	}
	return names
}
