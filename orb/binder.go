package orb

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/core"
)

// DomainKind discriminates peer domain variants
type DomainKind int

const (
	// DomainKindLocal is a same-host peer reached over shared memory
	DomainKindLocal DomainKind = iota
	// DomainKindRemote is a cross-host peer reached over IIOP
	DomainKindRemote
)

// DomainKey canonically identifies a peer domain
type DomainKey struct {
	Kind DomainKind
	ID   uint32 // protection-domain id for local peers
	Host string
	Port uint16
}

// DomainFactory creates a peer domain on first demand. The ESIOP transport
// registers the local factory; the IIOP layer the remote one.
type DomainFactory func(o *ORB, key DomainKey) (Domain, error)

// Binder resolves symbolic names to interfaces, loading modules on demand
// with at-most-once semantics, and owns the remote-reference registries.
// All binder maps belong to the binder's sync domain.
type Binder struct {
	orb *ORB
	log *zap.Logger
	sd  *core.SyncDomain

	objects map[string][]Export // name → exports, version-descending
	modules map[string]*core.WaitableRef[*Module]

	driver         ModuleDriver
	modulePrefixes []string

	domains    map[DomainKey]*core.WaitableRef[Domain]
	remoteRefs map[string]*core.WaitableRef[*ReferenceRemote]

	mu            sync.Mutex
	domainFactory map[DomainKind]DomainFactory
}

// NewBinder creates the process binder
func NewBinder(o *ORB, log *zap.Logger) *Binder {
	return &Binder{
		orb:           o,
		log:           log,
		sd:            core.NewSyncDomain("binder"),
		objects:       make(map[string][]Export),
		modules:       make(map[string]*core.WaitableRef[*Module]),
		domains:       make(map[DomainKey]*core.WaitableRef[Domain]),
		remoteRefs:    make(map[string]*core.WaitableRef[*ReferenceRemote]),
		domainFactory: make(map[DomainKind]DomainFactory),
	}
}

// SetModuleDriver installs the package-manager collaborator. The prefixes
// name the module namespaces the driver can load.
func (b *Binder) SetModuleDriver(driver ModuleDriver, prefixes ...string) {
	b.driver = driver
	b.modulePrefixes = prefixes
}

// RegisterDomainFactory installs the constructor for one peer-domain kind
func (b *Binder) RegisterDomainFactory(kind DomainKind, f DomainFactory) {
	b.mu.Lock()
	b.domainFactory[kind] = f
	b.mu.Unlock()
}

func (b *Binder) enter(ed *core.ExecDomain) (*core.SyncFrame, error) {
	return ed.EnterContext(b.sd)
}

// publishLocked adds an export to the object map, keeping entries for one name
// ordered by version, highest first.
func (b *Binder) publishLocked(e Export) {
	entries := append(b.objects[e.Name], e)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Major != entries[j].Major {
			return entries[i].Major > entries[j].Major
		}
		return entries[i].Minor > entries[j].Minor
	})
	b.objects[e.Name] = entries
}

// lookupLocked finds the best export for a possibly versioned query:
// matching major, minor at least the requested, highest minor wins.
func (b *Binder) lookupLocked(name string) (interface{}, bool) {
	qname, major, minor, versioned := parseVersionedName(name)
	entries := b.objects[qname]
	if len(entries) == 0 {
		return nil, false
	}
	if !versioned {
		return entries[0].Interface, true
	}
	for _, e := range entries {
		if versionCompatible(e.Major, e.Minor, major, minor) {
			return e.Interface, true
		}
	}
	return nil, false
}

// ExportDirect publishes an export outside of module loading, for
// system-provided interfaces.
func (b *Binder) ExportDirect(ed *core.ExecDomain, e Export) error {
	frame, err := b.enter(ed)
	if err != nil {
		return err
	}
	defer frame.Leave()
	b.publishLocked(e)
	return nil
}

// Bind resolves a symbolic name to an interface. On a miss the binder
// loads the owning module, if the name belongs to a known module prefix,
// and retries; otherwise the name is unresolved.
func (b *Binder) Bind(ed *core.ExecDomain, name string) (interface{}, error) {
	frame, err := b.enter(ed)
	if err != nil {
		return nil, err
	}
	if itf, ok := b.lookupLocked(name); ok {
		frame.Leave()
		return itf, nil
	}
	moduleName, ok := b.moduleForName(name)
	frame.Leave()
	if !ok {
		return nil, invObjref()
	}
	if _, err := b.Load(ed, moduleName, false); err != nil {
		return nil, err
	}
	frame, err = b.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	if itf, ok := b.lookupLocked(name); ok {
		return itf, nil
	}
	return nil, invObjref()
}

// BindInterface resolves a name and checks the result against the
// requested repository id when the export can report one.
func (b *Binder) BindInterface(ed *core.ExecDomain, name, iid string) (interface{}, error) {
	itf, err := b.Bind(ed, name)
	if err != nil {
		return nil, err
	}
	if iid != "" {
		if typed, ok := itf.(interface{ PrimaryInterface() string }); ok {
			if typed.PrimaryInterface() != iid {
				if checker, ok := itf.(interface{ IsA(string) bool }); !ok || !checker.IsA(iid) {
					return nil, invObjref()
				}
			}
		}
	}
	return itf, nil
}

func (b *Binder) moduleForName(name string) (string, bool) {
	qname, _, _, _ := parseVersionedName(name)
	for _, prefix := range b.modulePrefixes {
		if qname == prefix || strings.HasPrefix(qname, prefix+".") {
			return prefix, true
		}
	}
	return "", false
}

// Load loads a module with at-most-once semantics: a module-map slot is
// reserved through a waitable reference inside the binder sync domain, the
// construction itself runs outside it. Failures are sticky until the slot
// is evicted by Unload.
func (b *Binder) Load(ed *core.ExecDomain, moduleName string, singleton bool) (*Module, error) {
	if b.driver == nil {
		return nil, invObjref()
	}
	frame, err := b.enter(ed)
	if err != nil {
		return nil, err
	}
	wref, ok := b.modules[moduleName]
	if !ok {
		wref = core.NewWaitableRef[*Module]()
		b.modules[moduleName] = wref
	}
	frame.Leave()

	return wref.GetOrInit(ed, core.DeadlineIn(core.ConstructionDeadline), func() (*Module, error) {
		return b.construct(ed, moduleName, singleton)
	})
}

// construct maps the module and runs its initializer inside either the
// free context or a fresh singleton sync domain, then merges its exports
// into the object map and resolves its imports.
func (b *Binder) construct(ed *core.ExecDomain, moduleName string, singleton bool) (*Module, error) {
	image, err := b.driver.LoadModule(moduleName)
	if err != nil {
		return nil, err
	}
	mod := &Module{
		Name:      moduleName,
		Singleton: singleton,
		Exports:   image.Exports,
		Imports:   image.Imports,
		resolved:  make(map[string]interface{}),
	}
	if singleton {
		sd := core.NewSingleton("module:" + moduleName)
		sd.SetModule(mod)
		mod.sync = sd
	} else {
		mod.sync = b.orb.Scheduler().FreeContext()
	}

	if image.Init != nil {
		initFrame, err := ed.EnterContext(mod.sync)
		if err != nil {
			return nil, err
		}
		err = image.Init(ed)
		initFrame.Leave()
		if err != nil {
			return nil, err
		}
	}

	frame, err := b.enter(ed)
	if err != nil {
		return nil, err
	}
	for _, e := range mod.Exports {
		b.publishLocked(e)
	}
	frame.Leave()

	for _, imp := range mod.Imports {
		itf, err := b.Bind(ed, imp)
		if err != nil {
			b.log.Warn("unresolved module import",
				zap.String("module", moduleName), zap.String("import", imp))
			continue
		}
		mod.resolved[imp] = itf
	}
	b.log.Debug("module bound", zap.String("module", moduleName),
		zap.Int("exports", len(mod.Exports)))
	return mod, nil
}

// Unload removes a module's exports from the object map and evicts its
// module-map slot, releasing import holds.
func (b *Binder) Unload(ed *core.ExecDomain, mod *Module) error {
	frame, err := b.enter(ed)
	if err != nil {
		return err
	}
	for _, e := range mod.Exports {
		entries := b.objects[e.Name]
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Interface != e.Interface {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(b.objects, e.Name)
		} else {
			b.objects[e.Name] = kept
		}
	}
	delete(b.modules, mod.Name)
	frame.Leave()

	if sd, ok := mod.sync.(*core.SyncDomain); ok {
		sd.BeginTermination()
	}
	mod.resolved = nil
	return nil
}

// EvictModule drops a failed module slot so a later load can retry
func (b *Binder) EvictModule(ed *core.ExecDomain, moduleName string) error {
	frame, err := b.enter(ed)
	if err != nil {
		return err
	}
	defer frame.Leave()
	delete(b.modules, moduleName)
	return nil
}

// GetDomain resolves or creates the peer domain for key through the
// domain-map waitable discipline.
func (b *Binder) GetDomain(ed *core.ExecDomain, key DomainKey) (Domain, error) {
	b.mu.Lock()
	factory := b.domainFactory[key.Kind]
	b.mu.Unlock()
	if factory == nil {
		return nil, invObjref()
	}
	frame, err := b.enter(ed)
	if err != nil {
		return nil, err
	}
	// The domain map is also read by the DGC pacer outside any ED, so its
	// mutations take the registry mutex on top of the binder sync domain.
	b.mu.Lock()
	wref, ok := b.domains[key]
	if !ok {
		wref = core.NewWaitableRef[Domain]()
		b.domains[key] = wref
	}
	b.mu.Unlock()
	frame.Leave()
	return wref.GetOrInit(ed, core.DeadlineIn(core.CrossDomainDeadline), func() (Domain, error) {
		return factory(b.orb, key)
	})
}

// LiveDomains snapshots the constructed peer domains for the heartbeat
// pacer.
func (b *Binder) LiveDomains() []Domain {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Domain, 0, len(b.domains))
	for _, wref := range b.domains {
		if !wref.Published() {
			continue
		}
		if d, err := wref.Get(nil); err == nil && d != nil {
			out = append(out, d)
		}
	}
	return out
}

// UnmarshalRemoteReference canonicalizes an unmarshaled address, resolves
// the peer domain and returns the cached remote reference for the key,
// creating it on first sight.
func (b *Binder) UnmarshalRemoteReference(ed *core.ExecDomain, domainKey DomainKey, iid string, key ObjectKey, orbType uint32, flags byte) (*ReferenceRemote, error) {
	domain, err := b.GetDomain(ed, domainKey)
	if err != nil {
		return nil, err
	}
	cacheKey := domainKeyString(domainKey) + "\x00" + key.Canonical()

	frame, err := b.enter(ed)
	if err != nil {
		return nil, err
	}
	wref, ok := b.remoteRefs[cacheKey]
	if !ok {
		wref = core.NewWaitableRef[*ReferenceRemote]()
		b.remoteRefs[cacheKey] = wref
	}
	frame.Leave()

	return wref.GetOrInit(ed, core.DeadlineIn(core.CrossDomainDeadline), func() (*ReferenceRemote, error) {
		return newReferenceRemote(b.orb, domain, key, iid, orbType, flags), nil
	})
}

// forgetRemoteRef evicts a dead remote reference from the registry
func (b *Binder) forgetRemoteRef(ed *core.ExecDomain, domainKey DomainKey, key ObjectKey) {
	frame, err := b.enter(ed)
	if err != nil {
		return
	}
	defer frame.Leave()
	delete(b.remoteRefs, domainKeyString(domainKey)+"\x00"+key.Canonical())
}

// clearRemote drops the peer registries at TERMINATE
func (b *Binder) clearRemote() {
	// Shutdown stages run from the shutdown driver, not an ED; the maps
	// are rebuilt empty so late lookups miss cleanly.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, wref := range b.domains {
		if !wref.Published() {
			continue
		}
		if d, err := wref.Get(nil); err == nil && d != nil {
			d.Close(nil)
		}
	}
	b.domains = make(map[DomainKey]*core.WaitableRef[Domain])
	b.remoteRefs = make(map[string]*core.WaitableRef[*ReferenceRemote])
}

func domainKeyString(k DomainKey) string {
	if k.Kind == DomainKindLocal {
		return fmt.Sprintf("local:%d", k.ID)
	}
	return fmt.Sprintf("remote:%s:%d", strings.ToLower(k.Host), k.Port)
}
