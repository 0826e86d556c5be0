package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mode selects how a runtime acquires its history store. The zero value
// disables persistence.
type Mode int

const (
	// ModeDisabled turns session memory off; Resolve yields no store.
	ModeDisabled Mode = iota
	// ModeDefault opens the reference SQLite backend at a location.
	ModeDefault
	// ModeCustom adopts a caller-supplied Store.
	ModeCustom
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeDefault:
		return "default"
	case ModeCustom:
		return "custom"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Options is the closed set of backend selections. Construct it with
// Disabled, Default, or Custom; resolution happens once, at configuration
// time, and anything outside the three variants fails loudly there.
type Options struct {
	Mode  Mode
	Path  string // ModeDefault: storage location; empty means DefaultPath()
	Store Store  // ModeCustom: the adopted backend
}

// Disabled returns Options that turn session memory off.
func Disabled() Options {
	return Options{Mode: ModeDisabled}
}

// Default returns Options for the reference SQLite backend at path. An
// empty path selects DefaultPath().
func Default(path string) Options {
	return Options{Mode: ModeDefault, Path: path}
}

// Custom returns Options adopting a caller-owned store.
func Custom(store Store) Options {
	return Options{Mode: ModeCustom, Store: store}
}

// DefaultPath is the reference backend's default database location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mnemo", "sessions.db")
	}
	return filepath.Join(home, ".mnemo", "sessions.db")
}

// Resolve validates the selection and produces the store. ModeDisabled
// yields a nil store and no error; callers treat a nil store as memory
// off. The caller owns the returned store and must Close it.
func (o Options) Resolve() (Store, error) {
	switch o.Mode {
	case ModeDisabled:
		return nil, nil
	case ModeDefault:
		path := o.Path
		if path == "" {
			path = DefaultPath()
		}
		return NewSQLiteStore(path), nil
	case ModeCustom:
		if o.Store == nil {
			return nil, fmt.Errorf("%w: custom backend is nil", ErrInvalidConfig)
		}
		return o.Store, nil
	default:
		return nil, fmt.Errorf("%w: unsupported mode %s", ErrInvalidConfig, o.Mode)
	}
}
