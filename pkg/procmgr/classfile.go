package procmgr

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassFile declares the static and external worker classes
type ClassFile struct {
	Classes []ClassEntry `yaml:"classes"`

	// Internal: directory of the file, relative paths resolve against it
	dir string `yaml:"-"`
}

// ClassEntry is one declared class
type ClassEntry struct {
	// Executable path, relative to the class file
	Path  string `yaml:"path"`
	User  string `yaml:"user"`
	Group string `yaml:"group"`

	// "static" (default) or "external"
	Directive string `yaml:"directive"`

	// Listen socket: network "unix" (default) or "tcp"
	Network string `yaml:"network"`
	Address string `yaml:"address"`

	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`

	Instances        int            `yaml:"instances"`
	ListenQueueDepth int            `yaml:"listen_queue_depth"`
	IdleTimeout      time.Duration  `yaml:"idle_timeout"`
	ConnectTimeout   time.Duration  `yaml:"connect_timeout"`
	RestartDelay     *time.Duration `yaml:"restart_delay"`
	InitStartDelay   *time.Duration `yaml:"init_start_delay"`
	KeepConnection   bool           `yaml:"keep_connection"`
}

// LoadClassFile loads and validates a class file
func LoadClassFile(path string) (*ClassFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class file: %w", err)
	}

	var cf ClassFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse class file: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve class file path: %w", err)
	}
	cf.dir = filepath.Dir(absPath)

	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("validate class file: %w", err)
	}
	return &cf, nil
}

func (cf *ClassFile) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cf.dir, p)
}

// Validate checks every entry. Static executables must exist and be
// executable.
func (cf *ClassFile) Validate() error {
	seen := make(map[ClassID]bool)
	for i, e := range cf.Classes {
		field := func(name string) string { return fmt.Sprintf("classes[%d].%s", i, name) }

		if e.Path == "" {
			return ErrInvalidConfiguration(field("path"), e.Path, "path is required")
		}
		if e.Address == "" {
			return ErrInvalidConfiguration(field("address"), e.Address, "address is required")
		}
		switch e.Directive {
		case "", "static", "external":
		default:
			return ErrInvalidConfiguration(field("directive"), e.Directive, "must be static or external")
		}
		switch e.Network {
		case "", "unix", "tcp", "tcp4", "tcp6":
		default:
			return ErrInvalidConfiguration(field("network"), e.Network, "must be unix or tcp")
		}
		if e.Instances < 0 {
			return ErrInvalidConfiguration(field("instances"), e.Instances, "must not be negative")
		}
		if e.RestartDelay != nil && *e.RestartDelay < 0 {
			return ErrInvalidConfiguration(field("restart_delay"), *e.RestartDelay, "must not be negative")
		}
		if e.InitStartDelay != nil && *e.InitStartDelay < 0 {
			return ErrInvalidConfiguration(field("init_start_delay"), *e.InitStartDelay, "must not be negative")
		}

		id := ClassID{Path: cf.resolve(e.Path), User: e.User, Group: e.Group}
		if seen[id] {
			return ErrInvalidConfiguration(field("path"), e.Path, "class declared twice")
		}
		seen[id] = true

		if e.Directive != "external" {
			fi, err := os.Stat(id.Path)
			if err != nil {
				return ErrInvalidConfiguration(field("path"), id.Path, "executable not found").WithCause(err)
			}
			if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
				return ErrInvalidConfiguration(field("path"), id.Path, "not an executable file")
			}
		}
	}
	return nil
}

// Specs converts the entries into class specs. Entry environment variables
// are appended to the current process environment.
func (cf *ClassFile) Specs() []ClassSpec {
	specs := make([]ClassSpec, 0, len(cf.Classes))
	for _, e := range cf.Classes {
		spec := ClassSpec{
			ID:               ClassID{Path: cf.resolve(e.Path), User: e.User, Group: e.Group},
			Directive:        DirectiveStatic,
			Network:          e.Network,
			Address:          e.Address,
			Args:             e.Args,
			MaxInstances:     e.Instances,
			ListenQueueDepth: e.ListenQueueDepth,
			IdleTimeout:      e.IdleTimeout,
			ConnectTimeout:   e.ConnectTimeout,
			RestartDelay:     e.RestartDelay,
			InitStartDelay:   e.InitStartDelay,
			KeepConnection:   e.KeepConnection,
		}
		if e.Directive == "external" {
			spec.Directive = DirectiveExternal
		}
		if spec.Network == "" || spec.Network == "unix" {
			spec.Address = cf.resolve(spec.Address)
		}
		if len(e.Env) > 0 {
			spec.Env = os.Environ()
			for _, k := range slices.Sorted(maps.Keys(e.Env)) {
				spec.Env = append(spec.Env, k+"="+e.Env[k])
			}
		}
		specs = append(specs, spec)
	}
	return specs
}
