package orb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/auriga-os/nucleus/core"
)

// Export is one interface published by a module under a versioned name
type Export struct {
	Name      string
	Major     uint16
	Minor     uint16
	Interface interface{}
}

// VersionedName returns the "name/M.m" form
func (e Export) VersionedName() string {
	return fmt.Sprintf("%s/%d.%d", e.Name, e.Major, e.Minor)
}

// Module is a bound unit of code: exports published into the object map,
// imports resolved against it, and the sync context its initializer ran
// in (a fresh singleton for singleton modules, the free context
// otherwise).
type Module struct {
	Name      string
	Singleton bool
	Exports   []Export
	Imports   []string

	sync     core.SyncContext
	resolved map[string]interface{}
}

// SyncContext returns the module's execution context
func (m *Module) SyncContext() core.SyncContext { return m.sync }

// ResolvedImport returns a resolved import by name
func (m *Module) ResolvedImport(name string) (interface{}, bool) {
	v, ok := m.resolved[name]
	return v, ok
}

// ModuleImage is what the package manager hands the binder for one module:
// the exports the mapped binary publishes, the imports it requests and its
// initializer. The package database and binary format are external
// collaborators.
type ModuleImage struct {
	Exports []Export
	Imports []string
	// Init runs once inside the module's sync context
	Init func(ed *core.ExecDomain) error
	// Term runs on unload
	Term func(ed *core.ExecDomain) error
}

// ModuleDriver loads module binaries on demand
type ModuleDriver interface {
	LoadModule(name string) (*ModuleImage, error)
}

// parseVersionedName splits "name/M.m" into the name and version; a bare
// name means any version.
func parseVersionedName(s string) (name string, major, minor uint16, versioned bool) {
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return s, 0, 0, false
	}
	ver := s[idx+1:]
	dot := strings.IndexByte(ver, '.')
	if dot < 0 {
		return s, 0, 0, false
	}
	ma, err1 := strconv.ParseUint(ver[:dot], 10, 16)
	mi, err2 := strconv.ParseUint(ver[dot+1:], 10, 16)
	if err1 != nil || err2 != nil {
		return s, 0, 0, false
	}
	return s[:idx], uint16(ma), uint16(mi), true
}

// versionCompatible reports whether an export with (exMajor, exMinor) can
// satisfy a request for (major, minor): same major, minor at least the
// requested one.
func versionCompatible(exMajor, exMinor, major, minor uint16) bool {
	return exMajor == major && exMinor >= minor
}
