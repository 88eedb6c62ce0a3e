// Package manager implements the reconciliation loop: it enumerates and
// indexes Thunderbolt devices, dispatches uevent hot-plug notifications,
// and decides when to trigger authorization. Every exported method that
// touches device/store state runs on the loop's single goroutine,
// preserving the single-writer guarantee spec §5 requires.
package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbauthd/tbauthd/internal/device"
	"github.com/tbauthd/tbauthd/internal/enrollstore"
	"github.com/tbauthd/tbauthd/internal/forcepower"
	"github.com/tbauthd/tbauthd/internal/sysfsprobe"
	"github.com/tbauthd/tbauthd/internal/tberr"
	"github.com/tbauthd/tbauthd/internal/uevent"
)

// SignalKind identifies a bus-facing lifecycle signal.
type SignalKind int

const (
	SignalDeviceAdded SignalKind = iota
	SignalDeviceRemoved
	SignalDeviceChanged
)

func (k SignalKind) String() string {
	switch k {
	case SignalDeviceAdded:
		return "DeviceAdded"
	case SignalDeviceRemoved:
		return "DeviceRemoved"
	default:
		return "DeviceChanged"
	}
}

// Signal is what the Bus Façade observes and translates into a wire
// event.
type Signal struct {
	Kind SignalKind
	Path string
	UID  string
}

// Manager is the reconciler. devices and bySyspath are only ever
// mutated from run's goroutine; every other exported method funnels
// through the commands channel to reach that goroutine.
type Manager struct {
	probe  *sysfsprobe.Probe
	store  *enrollstore.Store
	uevent uevent.Source
	power  *forcepower.Guard
	log    zerolog.Logger

	devices        map[string]*device.Device // uid -> device
	bySyspath      map[string]*device.Device // syspath -> device, for remove lookup
	domainOf       map[string]string         // uid -> owning domain syspath, for force-power release
	powerReleasers map[string]func() error   // uid -> release func for its force-power acquisition

	commands chan func()
	tasks    chan deferredTask
	subs     map[string]chan Signal

	stop chan struct{}
	done chan struct{}
}

type deferredTask struct {
	traceID string
	run     func()
}

// New constructs a Manager. Call Start to run its initialization
// sequence and Run to start the main loop.
func New(probe *sysfsprobe.Probe, store *enrollstore.Store, source uevent.Source, power *forcepower.Guard, log zerolog.Logger) *Manager {
	return &Manager{
		probe:          probe,
		store:          store,
		uevent:         source,
		power:          power,
		log:            log,
		devices:        make(map[string]*device.Device),
		bySyspath:      make(map[string]*device.Device),
		domainOf:       make(map[string]string),
		powerReleasers: make(map[string]func() error),
		commands:       make(chan func()),
		tasks:          make(chan deferredTask, 64),
		subs:           make(map[string]chan Signal),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start runs the initialization sequence from spec §4.6: load the
// enrollment store, then enumerate sysfs and attach/discover every
// device currently present.
func (m *Manager) Start() error {
	uids, err := m.store.List()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to list enrollment store at startup")
	}
	for _, uid := range uids {
		rec, err := m.store.Get(uid)
		if err != nil {
			m.log.Warn().Str("uid", uid).Err(err).Msg("failed to load stored device, skipping")
			continue
		}
		d := device.LoadStored(m.probe, m.store, m.log, rec, m.store.HasKey(uid))
		m.devices[uid] = d
	}

	nodes, err := m.probe.EnumerateDevices()
	if err != nil {
		return fmt.Errorf("manager: enumerate devices: %w", err)
	}
	for _, node := range nodes {
		uid, err := m.probe.UniqueID(node)
		if err != nil {
			m.log.Warn().Err(err).Str("syspath", node.Syspath).Msg("device missing unique_id at startup, skipping")
			continue
		}
		if d, ok := m.devices[uid]; ok {
			if _, err := d.Connected(node); err != nil {
				m.log.Warn().Str("uid", uid).Err(err).Msg("failed to bind stored device at startup")
				continue
			}
			m.bySyspath[node.Syspath] = d
			m.acquirePower(d, node)
			m.maybeScheduleAuth(d)
			continue
		}
		d, err := device.NewFromUdev(m.probe, m.store, m.log, node)
		if err != nil {
			m.log.Warn().Err(err).Str("syspath", node.Syspath).Msg("failed to construct device at startup")
			continue
		}
		m.devices[d.UID()] = d
		m.bySyspath[d.Syspath()] = d
		m.acquirePower(d, node)
	}

	return nil
}

// Run is the main loop: select over uevent notifications, command
// callbacks from the bus façade, and deferred authorization tasks, until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case ev, ok := <-m.uevent.Events():
			if !ok {
				return
			}
			m.dispatch(ev)
		case cmd := <-m.commands:
			cmd()
		case task := <-m.tasks:
			m.log.Debug().Str("trace", task.traceID).Msg("running deferred task")
			task.run()
		}
	}
}

// Stop ends the main loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// exec runs fn on the loop goroutine and blocks until it completes. The
// bus façade uses this for every operation that reads or mutates device
// state, preserving single-writer semantics.
func (m *Manager) exec(fn func()) {
	done := make(chan struct{})
	m.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

func (m *Manager) scheduleTask(run func()) {
	id := uuid.NewString()
	select {
	case m.tasks <- deferredTask{traceID: id, run: run}:
	case <-m.stop:
	}
}

func (m *Manager) dispatch(ev uevent.Event) {
	if ev.Stream != uevent.StreamUdev {
		m.log.Trace().Str("action", ev.Action).Str("syspath", ev.Syspath).Msg("kernel stream event (trace only)")
		return
	}

	switch ev.Action {
	case "add", "change":
		node := sysfsprobe.Node{Syspath: ev.Syspath}
		d, known := m.devices[ev.UniqueID]
		switch {
		case !known:
			m.deviceAdded(node)
		case !d.IsConnected():
			m.deviceAttached(d, node)
		default:
			m.deviceChanged(d, node)
		}
	case "remove":
		d, ok := m.bySyspath[ev.Syspath]
		if !ok {
			return
		}
		delete(m.bySyspath, ev.Syspath)
		if d.Stored() {
			m.deviceDetached(d)
		} else {
			m.deviceRemoved(d)
		}
	}
}

func (m *Manager) deviceAdded(node sysfsprobe.Node) {
	d, err := device.NewFromUdev(m.probe, m.store, m.log, node)
	if err != nil {
		m.log.Warn().Err(err).Str("syspath", node.Syspath).Msg("device_added failed")
		return
	}
	m.devices[d.UID()] = d
	m.bySyspath[d.Syspath()] = d
	m.acquirePower(d, node)
	m.log.Info().Str("uid", d.UID()).Msg("added")
	m.emit(SignalDeviceAdded, d)
	m.maybeScheduleAuth(d)
}

func (m *Manager) deviceAttached(d *device.Device, node sysfsprobe.Node) {
	status, err := d.Connected(node)
	if err != nil {
		m.log.Warn().Err(err).Str("uid", d.UID()).Msg("device_attached failed")
		return
	}
	m.bySyspath[d.Syspath()] = d
	m.acquirePower(d, node)
	m.log.Info().Str("uid", d.UID()).Msg("attached")
	m.emit(SignalDeviceChanged, d)
	if status == device.StatusConnected {
		m.maybeScheduleAuth(d)
	}
}

func (m *Manager) deviceChanged(d *device.Device, node sysfsprobe.Node) {
	wasAuthorized := d.Status().IsAuthorized()
	status, err := d.UpdateFromUdev(node)
	if err != nil {
		m.log.Warn().Err(err).Str("uid", d.UID()).Msg("device_changed failed")
		return
	}
	m.emit(SignalDeviceChanged, d)
	if status.IsAuthorized() && !wasAuthorized {
		m.log.Info().Str("uid", d.UID()).Msg("authorized, checking children for cascade")
		m.cascadeChildren(d)
	}
}

func (m *Manager) deviceDetached(d *device.Device) {
	m.releasePower(d)
	d.Disconnected()
	m.log.Info().Str("uid", d.UID()).Msg("detached, stored, retaining")
	m.emit(SignalDeviceChanged, d)
}

func (m *Manager) deviceRemoved(d *device.Device) {
	m.releasePower(d)
	delete(m.devices, d.UID())
	m.log.Info().Str("uid", d.UID()).Msg("removed, not stored, evicting")
	m.emit(SignalDeviceRemoved, d)
}

// maybeScheduleAuth checks the auto-authorization eligibility rule
// (spec §4.6) and, if eligible, defers the actual sysfs write to the
// next loop turn.
func (m *Manager) maybeScheduleAuth(d *device.Device) {
	if !m.eligibleForAuth(d) {
		return
	}
	uid := d.UID()
	m.scheduleTask(func() {
		cur, ok := m.devices[uid]
		if !ok {
			return
		}
		if !m.eligibleForAuth(cur) {
			m.log.Debug().Str("uid", uid).Msg("no longer eligible for authorization, skipping deferred task")
			return
		}
		m.log.Info().Str("uid", uid).Msg("checking possible authorization")
		err := cur.Authorize(func(err error) {
			if err != nil {
				m.log.Warn().Str("uid", uid).Err(err).Msg("authorization failed")
			} else {
				m.log.Info().Str("uid", uid).Msg("authorized")
			}
			m.emit(SignalDeviceChanged, cur)
			if err == nil && cur.Status().IsAuthorized() {
				m.cascadeChildren(cur)
			}
		})
		if err != nil && err != device.ErrNotEligible {
			m.log.Warn().Str("uid", uid).Err(err).Msg("authorize call failed")
		}
	})
}

// eligibleForAuth implements spec §4.6's auto-authorization rule: stored,
// policy Auto, Connected, and parent already authorized (or is the host).
// Parent resolution is first the live string-prefix lookup ParentOf
// performs against the currently connected devices. When no connected
// device answers for the parent syspath, d's ParentUID is checked: a
// parent that is still tracked (stored but disconnected) is not
// authorized and blocks d; a parent that has been evicted, or no parent
// at all, leaves d treated as directly under the host.
func (m *Manager) eligibleForAuth(d *device.Device) bool {
	if !d.Stored() || d.Policy() != enrollstore.PolicyAuto || d.Status() != device.StatusConnected {
		return false
	}
	parentUID, found := m.ParentOf(d.Syspath())
	if !found {
		if cached, ok := m.devices[d.ParentUID()]; ok && d.ParentUID() != "" {
			return cached.Status().IsAuthorized()
		}
		return true
	}
	parent, ok := m.devices[parentUID]
	if !ok {
		return true
	}
	return parent.Status().IsAuthorized()
}

// cascadeChildren schedules auto-authorization for every device whose
// ParentUID equals parent's uid, now that parent has become authorized.
func (m *Manager) cascadeChildren(parent *device.Device) {
	for _, d := range m.devices {
		if d.ParentUID() == parent.UID() {
			m.maybeScheduleAuth(d)
		}
	}
}

func (m *Manager) acquirePower(d *device.Device, node sysfsprobe.Node) {
	domain, found, err := m.probe.DomainOf(node)
	if err != nil || !found {
		return
	}
	release, err := m.power.Acquire(domain.Syspath)
	if err != nil {
		_ = tberr.Warn(m.log, err)
		return
	}
	m.domainOf[d.UID()] = domain.Syspath
	m.powerReleasers[d.UID()] = release
}

func (m *Manager) releasePower(d *device.Device) {
	release, ok := m.powerReleasers[d.UID()]
	if !ok {
		return
	}
	delete(m.powerReleasers, d.UID())
	delete(m.domainOf, d.UID())
	if err := release(); err != nil {
		_ = tberr.Warn(m.log, err)
	}
}

func (m *Manager) emit(kind SignalKind, d *device.Device) {
	sig := Signal{Kind: kind, Path: d.ObjectPath(), UID: d.UID()}
	for _, ch := range m.subs {
		select {
		case ch <- sig:
		default:
			m.log.Warn().Str("uid", d.UID()).Msg("signal subscriber channel full, dropping")
		}
	}
}

// Subscribe registers a new signal subscriber (used by the bus façade's
// SSE handler) and returns its id and channel. Unsubscribe must be
// called to release it.
func (m *Manager) Subscribe() (string, <-chan Signal) {
	id := uuid.NewString()
	ch := make(chan Signal, 32)
	m.exec(func() {
		m.subs[id] = ch
	})
	return id, ch
}

// Unsubscribe removes a subscriber registered by Subscribe.
func (m *Manager) Unsubscribe(id string) {
	m.exec(func() {
		if ch, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	})
}

// DeviceSummary is the read-only snapshot the Bus Façade exposes.
type DeviceSummary struct {
	UID        string
	Name       string
	Vendor     string
	Status     string
	Policy     string
	Stored     bool
	Syspath    string
	Security   string
	ParentUID  string
	ObjectPath string
}

func summarize(d *device.Device) DeviceSummary {
	return DeviceSummary{
		UID:        d.UID(),
		Name:       d.Name(),
		Vendor:     d.Vendor(),
		Status:     d.Status().String(),
		Policy:     d.Policy().String(),
		Stored:     d.Stored(),
		Syspath:    d.Syspath(),
		Security:   d.Security().String(),
		ParentUID:  d.ParentUID(),
		ObjectPath: d.ObjectPath(),
	}
}

// ListDevices returns a snapshot of every known device.
func (m *Manager) ListDevices() []DeviceSummary {
	var out []DeviceSummary
	m.exec(func() {
		out = make([]DeviceSummary, 0, len(m.devices))
		for _, d := range m.devices {
			out = append(out, summarize(d))
		}
	})
	return out
}

// GetDevice returns a single device's snapshot, or a NotFound error.
func (m *Manager) GetDevice(uid string) (DeviceSummary, error) {
	var out DeviceSummary
	var err error
	m.exec(func() {
		d, ok := m.devices[uid]
		if !ok {
			err = tberr.NewNotFound("manager", uid)
			return
		}
		out = summarize(d)
	})
	return out, err
}

// Authorize triggers an immediate (not auto-scheduled) authorization for
// uid, used by the bus façade's user-initiated Authorize() call.
func (m *Manager) Authorize(uid string) error {
	var err error
	m.exec(func() {
		d, ok := m.devices[uid]
		if !ok {
			err = tberr.NewNotFound("manager", uid)
			return
		}
		authErr := d.Authorize(func(callbackErr error) {
			m.emit(SignalDeviceChanged, d)
			if callbackErr == nil && d.Status().IsAuthorized() {
				m.cascadeChildren(d)
			}
		})
		err = authErr
	})
	return err
}

// Enroll persists uid with policy and, if currently connected, checks
// eligibility and schedules authorization the same way an incoming
// device_added/_attached event would.
func (m *Manager) Enroll(uid string, policy enrollstore.Policy) error {
	var err error
	m.exec(func() {
		d, ok := m.devices[uid]
		if !ok {
			err = tberr.NewNotFound("manager", uid)
			return
		}
		if enrollErr := d.Enroll(policy); enrollErr != nil {
			err = enrollErr
			return
		}
		m.log.Info().Str("uid", uid).Str("policy", policy.String()).Msg("enrolled")
		m.emit(SignalDeviceChanged, d)
		if d.IsConnected() {
			m.maybeScheduleAuth(d)
		}
	})
	return err
}

// Forget removes uid from the enrollment store, evicts it from the
// in-memory set if it is currently disconnected, and emits
// DeviceRemoved with its prior object path either way.
func (m *Manager) Forget(uid string) error {
	var err error
	m.exec(func() {
		d, ok := m.devices[uid]
		if !ok {
			err = tberr.NewNotFound("manager", uid)
			return
		}
		path := d.ObjectPath()
		if forgetErr := d.Forget(); forgetErr != nil {
			err = forgetErr
			return
		}
		m.log.Info().Str("uid", uid).Msg("forgotten")
		if !d.IsConnected() {
			delete(m.devices, uid)
		}
		for _, ch := range m.subs {
			select {
			case ch <- Signal{Kind: SignalDeviceRemoved, Path: path, UID: uid}:
			default:
			}
		}
	})
	return err
}

// ParentOf returns the parent device's uid for a device identified by
// its syspath, resolving by string-prefix as spec §4.6 specifies. This is
// the first parent-resolution step eligibleForAuth uses; device.ParentUID
// is read from sysfs when a device is constructed or reconnects, and is
// used for cascade matching, the device summary's display field, and
// eligibleForAuth's check of a parent that is tracked but disconnected.
func (m *Manager) ParentOf(syspath string) (string, bool) {
	var parentSyspath string
	for {
		parentSyspath = parentPath(syspath)
		if parentSyspath == "" {
			return "", false
		}
		if d, ok := m.bySyspath[parentSyspath]; ok {
			return d.UID(), true
		}
		syspath = parentSyspath
	}
}

func parentPath(syspath string) string {
	idx := strings.LastIndex(syspath, "/")
	if idx <= 0 {
		return ""
	}
	return syspath[:idx]
}

// RunWatchdog pings systemd's watchdog on interval until ctx is
// cancelled, via the caller-supplied ping function.
func (m *Manager) RunWatchdog(ctx context.Context, interval time.Duration, ping func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				m.log.Warn().Err(err).Msg("watchdog ping failed")
			}
		}
	}
}
