// Package device implements the per-device object: identity, the
// authorization state machine, and the authorization protocol that
// drives sysfs writes. A Device is owned exclusively by the Manager's
// main loop goroutine (see internal/manager) — it carries no internal
// locking because spec §5 guarantees a single writer.
package device

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbauthd/tbauthd/internal/enrollstore"
	"github.com/tbauthd/tbauthd/internal/keymaterial"
	"github.com/tbauthd/tbauthd/internal/sysfsprobe"
	"github.com/tbauthd/tbauthd/internal/tberr"
)

// Status is a device's position in the authorization state machine.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthError
	StatusAuthorizing
	StatusAuthorized
	StatusAuthorizedSecure
	StatusAuthorizedDponly
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthError:
		return "autherror"
	case StatusAuthorizing:
		return "authorizing"
	case StatusAuthorized:
		return "authorized"
	case StatusAuthorizedSecure:
		return "authorized-secure"
	case StatusAuthorizedDponly:
		return "authorized-dponly"
	default:
		return "unknown"
	}
}

// IsAuthorized reports whether s is any of the terminal authorized
// variants.
func (s Status) IsAuthorized() bool {
	switch s {
	case StatusAuthorized, StatusAuthorizedSecure, StatusAuthorizedDponly:
		return true
	default:
		return false
	}
}

// KeyStatus describes whether a challenge-response key exists for a
// device, and where it came from.
type KeyStatus int

const (
	KeyNone KeyStatus = iota
	KeyHaveNew
	KeyHaveStored
)

func (k KeyStatus) String() string {
	switch k {
	case KeyHaveNew:
		return "have-new"
	case KeyHaveStored:
		return "have-stored"
	default:
		return "none"
	}
}

// KeyStore is the narrow interface Device needs from the enrollment
// store for the Secure authorization path.
type KeyStore interface {
	HasKey(uid string) bool
	LoadKey(uid string) (keymaterial.Key, error)
	PutKey(uid string, k keymaterial.Key) error
}

// RecordStore is the narrow interface Device needs to persist/forget its
// own descriptor record.
type RecordStore interface {
	Put(rec enrollstore.Record) error
	Delete(uid string) error
	KeyStore
}

// Device mediates between sysfs and the enrollment store for a single
// uid. Every field is read/written only from the Manager's main loop
// goroutine.
type Device struct {
	probe *sysfsprobe.Probe
	store RecordStore
	log   zerolog.Logger

	uid        string
	name       string
	vendor     string
	status     Status
	policy     enrollstore.Policy
	stored     bool
	key        KeyStatus
	syspath    string
	parentUID  string
	security   sysfsprobe.Security
	ctime      time.Time
	generation int
	linkSpeed  sysfsprobe.LinkSpeed
}

// NewFromUdev constructs a Device from a live kernel node: identity,
// parent uid, security, generation, link speed and initial status are
// all derived from sysfs.
func NewFromUdev(probe *sysfsprobe.Probe, store RecordStore, log zerolog.Logger, node sysfsprobe.Node) (*Device, error) {
	uid, err := probe.UniqueID(node)
	if err != nil {
		return nil, tberr.Essential(err)
	}

	isHost, err := probe.IsDomain(node)
	if err != nil {
		return nil, err
	}

	name, vendor, err := probe.Identify(node, isHost)
	if err != nil {
		// name/vendor are non-essential: leave them blank rather than
		// failing the whole add event.
		_ = tberr.Warn(log, err)
	}

	domain, found, err := probe.DomainOf(node)
	if err != nil {
		_ = tberr.Warn(log, err)
	}
	security := sysfsprobe.SecurityUnknown
	if found {
		if s, err := probe.SecurityOf(domain); err != nil {
			_ = tberr.Warn(log, err)
		} else {
			security = s
		}
	}

	parentUID, ok, err := probe.ParentUID(node)
	if err != nil {
		_ = tberr.Warn(log, err)
	}
	if !ok {
		parentUID = ""
	}

	d := &Device{
		probe:      probe,
		store:      store,
		log:        log.With().Str("uid", uid).Logger(),
		uid:        uid,
		name:       name,
		vendor:     vendor,
		status:     StatusConnecting,
		policy:     enrollstore.PolicyDefault,
		syspath:    node.Syspath,
		parentUID:  parentUID,
		security:   security,
		ctime:      probe.CreationTime(node),
		generation: probe.ReadGeneration(node),
		linkSpeed:  probe.ReadLinkSpeed(node),
	}

	if _, err := d.UpdateFromUdev(node); err != nil {
		return nil, err
	}

	return d, nil
}

// LoadStored reconstructs a disconnected Device purely from an
// enrollment store record, at daemon startup.
func LoadStored(probe *sysfsprobe.Probe, store RecordStore, log zerolog.Logger, rec enrollstore.Record, hasKey bool) *Device {
	key := KeyNone
	if hasKey {
		key = KeyHaveStored
	}
	return &Device{
		probe:      probe,
		store:      store,
		log:        log.With().Str("uid", rec.UID).Logger(),
		uid:        rec.UID,
		name:       rec.Name,
		vendor:     rec.Vendor,
		status:     StatusDisconnected,
		policy:     rec.Policy,
		stored:     true,
		key:        key,
		security:   rec.Security,
		ctime:      rec.CTime,
	}
}

// UpdateFromUdev re-reads mutable sysfs attributes and returns the new
// status. Only a device currently Connecting resolves its status here;
// every other state's status only changes via Authorize, Disconnected,
// or an explicit user action, per the state machine in spec §4.4.
func (d *Device) UpdateFromUdev(node sysfsprobe.Node) (Status, error) {
	d.generation = d.probe.ReadGeneration(node)
	d.linkSpeed = d.probe.ReadLinkSpeed(node)

	auth, err := d.probe.ReadAuthorized(node)
	if err != nil {
		return d.status, tberr.Essential(err)
	}

	if d.status != StatusConnecting {
		return d.status, nil
	}

	if auth <= 0 {
		d.status = StatusConnected
		return d.status, nil
	}

	d.status = authorizedStatusFor(d.security, auth)
	return d.status, nil
}

func authorizedStatusFor(security sysfsprobe.Security, auth int) Status {
	switch security {
	case sysfsprobe.SecuritySecure:
		if auth >= 2 {
			return StatusAuthorizedSecure
		}
		return StatusAuthorized
	case sysfsprobe.SecurityDpOnly:
		return StatusAuthorizedDponly
	default:
		return StatusAuthorized
	}
}

// Connected binds syspath for a previously disconnected stored device
// that has reappeared, re-reads its domain's security level and its
// parent uid, and recomputes its status.
func (d *Device) Connected(node sysfsprobe.Node) (Status, error) {
	d.syspath = node.Syspath
	d.status = StatusConnecting
	if domain, found, err := d.probe.DomainOf(node); err != nil {
		_ = tberr.Warn(d.log, err)
	} else if found {
		if s, err := d.probe.SecurityOf(domain); err != nil {
			_ = tberr.Warn(d.log, err)
		} else {
			d.security = s
		}
	}
	parentUID, _, err := d.probe.ParentUID(node)
	if err != nil {
		_ = tberr.Warn(d.log, err)
	}
	d.parentUID = parentUID
	return d.UpdateFromUdev(node)
}

// Disconnected clears syspath and sets status to Disconnected, retaining
// every stored field.
func (d *Device) Disconnected() {
	d.syspath = ""
	d.status = StatusDisconnected
}

// ErrNotEligible is returned (without any sysfs write happening) when
// Authorize is called on a device that is not currently Connected — the
// re-check spec §5 requires against a disconnect racing a deferred
// authorization task.
var ErrNotEligible = errors.New("device not eligible for authorization")

const (
	maxEBusyRetries = 5
	ebusyBackoff    = 50 * time.Millisecond
)

// Authorize runs the authorization protocol selected by the device's
// captured security level and stored-key state (spec §4.4's table), and
// invokes onDone with the outcome. It re-validates that the device is
// still Connected before issuing any sysfs write.
func (d *Device) Authorize(onDone func(error)) error {
	if d.status != StatusConnected {
		return ErrNotEligible
	}

	node := sysfsprobe.Node{Syspath: d.syspath}
	d.status = StatusAuthorizing
	security := d.security

	var err error
	var final Status

	switch security {
	case sysfsprobe.SecurityNone, sysfsprobe.SecurityUsbOnly:
		err = d.writeAuthorizeRetrying(node, "1")
		final = StatusAuthorized
	case sysfsprobe.SecurityDpOnly:
		err = d.writeAuthorizeRetrying(node, "1")
		final = StatusAuthorizedDponly
	case sysfsprobe.SecurityUser:
		err = d.writeAuthorizeRetrying(node, "1")
		final = StatusAuthorized
	case sysfsprobe.SecuritySecure:
		final, err = d.authorizeSecure(node)
	default:
		err = tberr.NewAuth(d.uid, fmt.Errorf("unknown security level"))
		final = StatusAuthError
	}

	if d.status != StatusAuthorizing {
		// Disconnected (or another transition) preempted us while the
		// write was in flight; the result no longer has semantic meaning.
		d.log.Info().Msg("authorization result superseded by disconnect")
		onDone(err)
		return nil
	}

	if err != nil {
		d.status = StatusAuthError
		onDone(err)
		return nil
	}

	d.status = final
	onDone(nil)
	return nil
}

func (d *Device) authorizeSecure(node sysfsprobe.Node) (Status, error) {
	if d.store.HasKey(d.uid) {
		k, err := d.store.LoadKey(d.uid)
		if err != nil {
			return StatusAuthError, tberr.NewAuth(d.uid, err)
		}
		if err := d.probe.WriteKey(node, k.String()); err != nil {
			return StatusAuthError, err
		}
		if err := d.writeAuthorizeRetrying(node, "2"); err != nil {
			return StatusAuthError, tberr.NewAuth(d.uid, err)
		}
		d.key = KeyHaveStored
		return StatusAuthorizedSecure, nil
	}

	k, err := keymaterial.Generate()
	if err != nil {
		return StatusAuthError, tberr.NewAuth(d.uid, err)
	}
	if err := d.probe.WriteKey(node, k.String()); err != nil {
		return StatusAuthError, err
	}
	if err := d.writeAuthorizeRetrying(node, "1"); err != nil {
		return StatusAuthError, tberr.NewAuth(d.uid, err)
	}
	echoed, err := d.probe.ReadKey(node)
	if err != nil {
		return StatusAuthError, err
	}
	if echoed != k.String() {
		return StatusAuthError, tberr.NewAuth(d.uid, fmt.Errorf("challenge key mismatch"))
	}
	if err := d.store.PutKey(d.uid, k); err != nil {
		return StatusAuthError, tberr.NewAuth(d.uid, err)
	}
	d.key = KeyHaveStored
	return StatusAuthorizedSecure, nil
}

func (d *Device) writeAuthorizeRetrying(node sysfsprobe.Node, value string) error {
	var err error
	for attempt := 0; attempt < maxEBusyRetries; attempt++ {
		err = d.probe.WriteAuthorized(node, value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			return err
		}
		d.log.Warn().Int("attempt", attempt+1).Msg("authorize write busy, retrying")
		time.Sleep(ebusyBackoff * time.Duration(attempt+1))
	}
	return err
}

// Enroll persists uid with policy into the enrollment store and marks
// the device stored. It does not itself trigger authorization — that is
// the Manager's job, since eligibility depends on parent state the
// device does not know about.
func (d *Device) Enroll(policy enrollstore.Policy) error {
	d.policy = policy
	d.stored = true
	rec := enrollstore.Record{
		UID:      d.uid,
		Name:     d.name,
		Vendor:   d.vendor,
		Policy:   policy,
		CTime:    d.ctime,
		Security: d.security,
	}
	if rec.CTime.IsZero() {
		rec.CTime = time.Now().UTC()
		d.ctime = rec.CTime
	}
	if err := d.store.Put(rec); err != nil {
		return err
	}
	return nil
}

// Forget removes uid from the enrollment store and clears stored state.
func (d *Device) Forget() error {
	if err := d.store.Delete(d.uid); err != nil {
		return err
	}
	d.stored = false
	d.policy = enrollstore.PolicyDefault
	d.key = KeyNone
	return nil
}

// SetPolicy updates the in-memory policy without touching the store (used
// when a caller changes policy on a device that is not yet enrolled).
func (d *Device) SetPolicy(policy enrollstore.Policy) {
	d.policy = policy
}

// Getters.

func (d *Device) UID() string                  { return d.uid }
func (d *Device) Name() string                 { return d.name }
func (d *Device) Vendor() string               { return d.vendor }
func (d *Device) Syspath() string              { return d.syspath }
func (d *Device) Status() Status               { return d.status }
func (d *Device) Policy() enrollstore.Policy   { return d.policy }
func (d *Device) Stored() bool                 { return d.stored }
func (d *Device) Key() KeyStatus               { return d.key }
func (d *Device) ParentUID() string            { return d.parentUID }
func (d *Device) Security() sysfsprobe.Security { return d.security }
func (d *Device) CTime() time.Time             { return d.ctime }
func (d *Device) Generation() int              { return d.generation }
func (d *Device) LinkSpeed() sysfsprobe.LinkSpeed { return d.linkSpeed }
func (d *Device) ObjectPath() string           { return "/devices/" + d.uid }
func (d *Device) IsConnected() bool            { return d.syspath != "" }
