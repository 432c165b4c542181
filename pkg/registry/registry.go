// Package registry maps configured check names to functions supplied by
// the host application.
//
// The host registers every check it links in under a stable name. At startup
// the configured, ordered list of names is resolved against that catalog.
// Resolution is all-or-nothing: a single unknown name rejects the whole list,
// since a check silently dropped because of a typo is worse than failing to
// start.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MaxCallbacks bounds the callback list: a schedule runs at most
// MaxCallbacks-1 callbacks.
const MaxCallbacks = 1024

// Callback is a check invoked on every scheduled tick. It reports failure
// by escalating to a terminator itself, so it has no result. The context is
// cancelled when the scheduler stops.
type Callback func(ctx context.Context)

// Entry is a resolved callback.
type Entry struct {
	Name string
	Fn   Callback
}

// ErrNoCallbacks is returned when no callback names are configured.
var ErrNoCallbacks = errors.New("no callbacks configured")

// UnresolvedCallbackError reports a configured name with no registered function.
type UnresolvedCallbackError struct {
	Name string
}

func (e *UnresolvedCallbackError) Error() string {
	return fmt.Sprintf("callback function not found: %q", e.Name)
}

// TooManyCallbacksError reports a callback list of MaxCallbacks or more names.
type TooManyCallbacksError struct {
	Count int
}

func (e *TooManyCallbacksError) Error() string {
	return fmt.Sprintf("callback count %d reaches limit of %d", e.Count, MaxCallbacks)
}

// Catalog holds the functions the host makes available by name.
type Catalog struct {
	mu    sync.RWMutex
	funcs map[string]Callback
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{funcs: make(map[string]Callback)}
}

// Register adds fn under name.
func (c *Catalog) Register(name string, fn Callback) error {
	if name == "" {
		return errors.New("callback name is required")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("callback name %q must not contain ':'", name)
	}
	if fn == nil {
		return fmt.Errorf("callback %q has nil function", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.funcs[name]; exists {
		return fmt.Errorf("callback %q already registered", name)
	}
	c.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// registration at program start.
func (c *Catalog) MustRegister(name string, fn Callback) {
	if err := c.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (c *Catalog) Lookup(name string) (Callback, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.funcs))
	for name := range c.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps names, in order, to registered functions. It returns an
// error and no entries if any name is unknown or the list is too long.
func (c *Catalog) Resolve(names []string) ([]Entry, error) {
	if len(names) == 0 {
		return nil, ErrNoCallbacks
	}
	if len(names) >= MaxCallbacks {
		return nil, &TooManyCallbacksError{Count: len(names)}
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		fn, ok := c.Lookup(name)
		if !ok {
			return nil, &UnresolvedCallbackError{Name: name}
		}
		entries = append(entries, Entry{Name: name, Fn: fn})
	}
	return entries, nil
}

// ParseNames splits a colon-delimited list of callback names. Empty
// segments are kept so that a stray separator fails resolution instead of
// being ignored.
func ParseNames(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ":")
}
