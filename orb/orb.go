package orb

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

// Config holds ORB tuning
type Config struct {
	// Workers bounds the scheduler's parallel worker pool
	Workers int
	// MaxInFlight caps the process's total in-flight incoming requests
	MaxInFlight int64
	// DomainID is this protection domain's id within the system domain
	DomainID uint32
	// Host and Port form the IIOP endpoint advertised in IORs
	Host string
	Port uint16
	// SystemDomain marks the privileged domain hosting the name service
	SystemDomain bool
}

// DefaultORBConfig returns the default tuning
func DefaultORBConfig() Config {
	return Config{
		Workers:     4,
		MaxInFlight: 256,
		Host:        "localhost",
		Port:        2809,
	}
}

// ORB is one protection domain's object runtime: the scheduler, the
// binder, the initial services and the adapter tree root.
type ORB struct {
	log   *zap.Logger
	cfg   Config
	sched *core.Scheduler

	policyReg *PolicyRegistry
	services  *Services
	binder    *Binder

	mu       sync.Mutex
	managers []*POAManager

	inflight *semaphore.Weighted

	dgcStop     chan struct{}
	dgcStopOnce sync.Once

	securityResolver SecurityResolver
}

// SetSecurityResolver installs the client-context resolver consulted for
// the security attribute service context.
func (o *ORB) SetSecurityResolver(r SecurityResolver) {
	o.securityResolver = r
}

// Init creates and starts an ORB
func Init(cfg Config, log *zap.Logger) *ORB {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultORBConfig().Workers
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultORBConfig().MaxInFlight
	}
	o := &ORB{
		log:       log,
		cfg:       cfg,
		sched:     core.NewScheduler(core.Config{Workers: cfg.Workers}, log.Named("sched")),
		policyReg: NewPolicyRegistry(),
		inflight:  semaphore.NewWeighted(cfg.MaxInFlight),
	}
	o.services = newServices(o)
	o.binder = NewBinder(o, log.Named("binder"))
	o.sched.OnShutdownStage(o.shutdownStage)
	o.dgcStop = make(chan struct{})
	go o.dgcPacer()
	return o
}

// dgcPacer periodically flushes the batched DGC heartbeat confirmations
// on every live peer domain. TERMINATE disables the timer.
func (o *ORB) dgcPacer() {
	ticker := time.NewTicker(DGCHeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-o.dgcStop:
			return
		case <-ticker.C:
			for _, d := range o.binder.LiveDomains() {
				d.FlushHeartbeat()
			}
		}
	}
}

// Scheduler returns the ORB's scheduler
func (o *ORB) Scheduler() *core.Scheduler { return o.sched }

// Log returns the ORB's logger
func (o *ORB) Log() *zap.Logger { return o.log }

// Config returns the ORB configuration
func (o *ORB) Config() Config { return o.cfg }

// PolicyRegistry returns the policy codec registry
func (o *ORB) PolicyRegistry() *PolicyRegistry { return o.policyReg }

// Binder returns the name resolver
func (o *ORB) Binder() *Binder { return o.binder }

// Services returns the initial-service table
func (o *ORB) Services() *Services { return o.services }

// LocalDomainID returns this protection domain's id
func (o *ORB) LocalDomainID() uint32 { return o.cfg.DomainID }

// ResolveInitialReferences binds one of the fixed initial services
func (o *ORB) ResolveInitialReferences(ed *core.ExecDomain, name string) (interface{}, error) {
	return o.services.Bind(ed, name)
}

// RootPOA resolves the root POA service slot
func (o *ORB) RootPOA(ed *core.ExecDomain) (*POA, error) {
	obj, err := o.services.Bind(ed, "RootPOA")
	if err != nil {
		return nil, err
	}
	return obj.(*POA), nil
}

func (o *ORB) registerManager(m *POAManager) {
	o.mu.Lock()
	o.managers = append(o.managers, m)
	o.mu.Unlock()
}

// AdmitRequest claims one in-flight request slot; exceeding the cap
// returns NO_RESOURCES.
func (o *ORB) AdmitRequest() error {
	if !o.inflight.TryAcquire(1) {
		return corba.NO_RESOURCES(0, corba.CompletionStatusNo)
	}
	return nil
}

// ReleaseRequest returns an in-flight slot
func (o *ORB) ReleaseRequest() {
	o.inflight.Release(1)
}

type syncRunnable struct {
	fn func(ed *core.ExecDomain) error
	ch chan error
}

func (r *syncRunnable) Run(ed *core.ExecDomain) {
	r.ch <- r.fn(ed)
}

func (r *syncRunnable) OnCrash(ex *corba.SystemException) {
	r.ch <- ex
}

// RunSync schedules fn as an execution domain and waits for it, returning
// its error. It is the bridge from plain goroutines into the scheduled
// world.
func (o *ORB) RunSync(deadline core.Deadline, fn func(ed *core.ExecDomain) error) error {
	r := &syncRunnable{fn: fn, ch: make(chan error, 1)}
	if _, err := o.sched.Schedule(r, nil, nil, deadline); err != nil {
		return err
	}
	return <-r.ch
}

// Shutdown drives the process shutdown. Without forced, in-flight work
// drains first; service teardown and transport disconnect happen on the
// stage transitions.
func (o *ORB) Shutdown(forced bool) {
	var flags core.ShutdownFlags
	if forced {
		flags |= core.ShutdownForced
	}
	o.sched.Shutdown(flags)
}

func (o *ORB) shutdownStage(st core.ShutdownState) {
	switch st {
	case core.StateShutdownStarted:
		// Begin unwinding services in inverse table order; adapters stop
		// accepting work.
		o.mu.Lock()
		managers := append([]*POAManager{}, o.managers...)
		o.mu.Unlock()
		for i := len(managers) - 1; i >= 0; i-- {
			managers[i].Deactivate()
		}
		o.services.Shutdown()
	case core.StateTerminate:
		// Drop service proxies, clear remote references, disable timers.
		o.dgcStopOnce.Do(func() { close(o.dgcStop) })
		o.binder.clearRemote()
	}
}
