// Package sysfsprobe is a pure-function façade over the kernel's
// Thunderbolt sysfs hierarchy. It never keeps state beyond a configurable
// root directory, so tests can point it at a temporary directory tree
// instead of the real /sys.
//
// Layout convention: device nodes live under
// <root>/bus/thunderbolt/devices/<path>, physically nested so that a
// device's directory sits inside its domain's directory (domain0/0-1,
// domain0/0-1/0-1:1.0, ...). This mirrors the real kernel's parent/child
// relationship closely enough to drive the domain-walk and cascading
// authorization logic without requiring libudev or cgo. Each node
// directory carries plain attribute files, including "subsystem" and
// "devtype" (the real kernel exposes these via a symlink and a uevent
// line respectively; here they are ordinary files for injectability).
package sysfsprobe

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tbauthd/tbauthd/internal/tberr"
)

// Node identifies a device directory under a Probe's root.
type Node struct {
	Syspath string
}

// Probe reads Thunderbolt sysfs attributes under Root.
type Probe struct {
	Root string
}

// New constructs a Probe rooted at root (pass "/sys" for the real kernel,
// or a t.TempDir() tree in tests).
func New(root string) *Probe {
	return &Probe{Root: root}
}

// DevicesDir is the bus enumeration root for Thunderbolt devices.
func (p *Probe) DevicesDir() string {
	return filepath.Join(p.Root, "bus", "thunderbolt", "devices")
}

// DMIDir is the fallback identification source for host controllers
// without a DROM.
func (p *Probe) DMIDir() string {
	return filepath.Join(p.Root, "class", "dmi", "id")
}

func readAttr(dir, attr string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, tberr.NewUdev(dir, attr, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

func readNamedAttr(dir, attr string) (string, bool, error) {
	if v, ok, err := readAttr(dir, attr+"_name"); err != nil || ok {
		return v, ok, err
	}
	return readAttr(dir, attr)
}

// Identify reads {vendor_name,device_name} or {vendor,device} for a
// device node. When isHost is true and neither pair is present, it falls
// back to DMI: sys_vendor + product_name, except Lenovo systems (matched
// case-insensitively) which use product_version and report "Lenovo".
func (p *Probe) Identify(n Node, isHost bool) (name, vendor string, err error) {
	vendor, vendorOK, err := readNamedAttr(n.Syspath, "vendor")
	if err != nil {
		return "", "", err
	}
	name, nameOK, err := readNamedAttr(n.Syspath, "device")
	if err != nil {
		return "", "", err
	}
	if vendorOK && nameOK {
		return name, vendor, nil
	}
	if !isHost {
		if !vendorOK {
			return "", "", tberr.NewUdev(n.Syspath, "vendor", os.ErrNotExist)
		}
		return "", "", tberr.NewUdev(n.Syspath, "device", os.ErrNotExist)
	}
	return p.identifyFromDMI()
}

func (p *Probe) identifyFromDMI() (name, vendor string, err error) {
	dmi := p.DMIDir()
	vendor, ok, err := readAttr(dmi, "sys_vendor")
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", tberr.NewUdev(dmi, "sys_vendor", os.ErrNotExist)
	}

	attr := "product_name"
	if strings.EqualFold(vendor, "lenovo") {
		attr = "product_version"
		vendor = "Lenovo"
	}
	name, ok, err = readAttr(dmi, attr)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", tberr.NewUdev(dmi, attr, os.ErrNotExist)
	}
	return name, vendor, nil
}

// IsDomain reports whether n's subsystem/devtype attributes identify it
// as a Thunderbolt domain.
func (p *Probe) IsDomain(n Node) (bool, error) {
	subsystem, ok, err := readAttr(n.Syspath, "subsystem")
	if err != nil {
		return false, err
	}
	if !ok || subsystem != "thunderbolt" {
		return false, nil
	}
	devtype, ok, err := readAttr(n.Syspath, "devtype")
	if err != nil {
		return false, err
	}
	return ok && devtype == "thunderbolt_domain", nil
}

// DomainOf walks n's parent chain (physical directory nesting) to the
// first ancestor that is a Thunderbolt domain. It reports found=false
// when no such ancestor exists (n is directly under the host).
func (p *Probe) DomainOf(n Node) (domain Node, found bool, err error) {
	cur := n.Syspath
	for {
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, p.Root) || parent == p.Root {
			return Node{}, false, nil
		}
		candidate := Node{Syspath: parent}
		isDomain, err := p.IsDomain(candidate)
		if err != nil {
			return Node{}, false, err
		}
		if isDomain {
			return candidate, true, nil
		}
		cur = parent
	}
}

// Security is the per-domain authorization requirement.
type Security int

const (
	SecurityUnknown Security = iota
	SecurityNone
	SecurityUser
	SecuritySecure
	SecurityDpOnly
	SecurityUsbOnly
)

func (s Security) String() string {
	switch s {
	case SecurityNone:
		return "none"
	case SecurityUser:
		return "user"
	case SecuritySecure:
		return "secure"
	case SecurityDpOnly:
		return "dponly"
	case SecurityUsbOnly:
		return "usbonly"
	default:
		return "unknown"
	}
}

func parseSecurity(s string) Security {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SecurityNone
	case "user":
		return SecurityUser
	case "secure":
		return SecuritySecure
	case "dponly":
		return SecurityDpOnly
	case "usbonly":
		return SecurityUsbOnly
	default:
		return SecurityUnknown
	}
}

// SecurityOf reads and parses the "security" attribute of a domain node.
func (p *Probe) SecurityOf(domain Node) (Security, error) {
	v, ok, err := readAttr(domain.Syspath, "security")
	if err != nil {
		return SecurityUnknown, err
	}
	if !ok {
		return SecurityUnknown, tberr.NewUdev(domain.Syspath, "security", os.ErrNotExist)
	}
	return parseSecurity(v), nil
}

// CountHosts returns the number of domains that currently have at least
// one child device.
func (p *Probe) CountHosts() (int, error) {
	entries, err := os.ReadDir(p.DevicesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, tberr.NewUdev(p.DevicesDir(), "readdir", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		domain := Node{Syspath: filepath.Join(p.DevicesDir(), e.Name())}
		isDomain, err := p.IsDomain(domain)
		if err != nil {
			return 0, err
		}
		if !isDomain {
			continue
		}
		hasChild, err := domainHasChild(domain.Syspath)
		if err != nil {
			return 0, err
		}
		if hasChild {
			count++
		}
	}
	return count, nil
}

func domainHasChild(domainPath string) (bool, error) {
	entries, err := os.ReadDir(domainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, tberr.NewUdev(domainPath, "readdir", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return true, nil
		}
	}
	return false, nil
}

// NHIPCIIDForDomain reads the PCI "device" attribute of the domain's PCI
// parent and parses it as hex.
func (p *Probe) NHIPCIIDForDomain(domain Node) (uint32, error) {
	parent := filepath.Dir(domain.Syspath)
	v, ok, err := readAttr(parent, "device")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, tberr.NewUdev(parent, "device", os.ErrNotExist)
	}
	v = strings.TrimPrefix(v, "0x")
	id, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, tberr.NewUdev(parent, "device", err)
	}
	return uint32(id), nil
}

// nhiTable mirrors the original daemon's fixed NHI PCI id → uuid
// stability table.
var nhiTable = map[uint32]bool{
	0x157d: true,  // Wildcat Ridge 2C
	0x15bf: true,  // Alpine Ridge LP
	0x15d2: true,  // Alpine Ridge C 4C
	0x15d9: true,  // Alpine Ridge C 2C
	0x15dc: true,  // Alpine Ridge LP, USB only
	0x15dd: true,  // Alpine Ridge, USB only
	0x15de: true,  // Alpine Ridge C, USB only
	0x15e8: true,  // Titan Ridge 2C
	0x15eb: true,  // Titan Ridge 4C
	0x8a0d: false, // Ice Lake NHI1
	0x8a17: false, // Ice Lake NHI0
	0x9a1b: false, // Tiger Lake NHI0
	0x9a1d: false, // Tiger Lake NHI1
}

// UUIDStability looks up whether an NHI PCI id is known to keep its uid
// stable across reboots. Unknown ids report NotFound; callers treat
// NotFound as "assume unstable".
func UUIDStability(pciID uint32) (bool, error) {
	stable, ok := nhiTable[pciID]
	if !ok {
		return false, tberr.NewNotFound("nhi-table", fmt.Sprintf("0x%04x", pciID))
	}
	return stable, nil
}

// LinkSpeed records rx/tx lane count and per-lane speed in Gb/s.
type LinkSpeed struct {
	RxLanes uint32
	RxSpeed uint32
	TxLanes uint32
	TxSpeed uint32
}

// ReadLinkSpeed reads rx/tx lane and speed attributes; missing attributes
// become zero rather than an error, per spec §4.1.
func (p *Probe) ReadLinkSpeed(n Node) LinkSpeed {
	return LinkSpeed{
		RxLanes: readAttrUint(n.Syspath, "rx_lanes"),
		RxSpeed: readAttrUint(n.Syspath, "rx_speed"),
		TxLanes: readAttrUint(n.Syspath, "tx_lanes"),
		TxSpeed: readAttrUint(n.Syspath, "tx_speed"),
	}
}

func readAttrUint(dir, attr string) uint32 {
	v, ok, err := readAttr(dir, attr)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// ReadBootACL reads and splits the boot_acl attribute. It returns
// present=false when the attribute does not exist at all, distinct from
// an existing-but-empty attribute (acl == nil, present == true).
func (p *Probe) ReadBootACL(n Node) (acl []string, present bool, err error) {
	v, ok, err := readAttr(n.Syspath, "boot_acl")
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if strings.TrimSpace(v) == "" {
		return nil, true, nil
	}
	return strings.Split(v, ","), true, nil
}

// WriteBootACL joins acl by comma and writes it atomically.
func (p *Probe) WriteBootACL(n Node, acl []string) error {
	return writeAttrAtomic(n.Syspath, "boot_acl", strings.Join(acl, ","))
}

func writeAttrAtomic(dir, attr, value string) error {
	path := filepath.Join(dir, attr)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return tberr.NewUdev(dir, attr, err)
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		os.Remove(tmp)
		return tberr.NewUdev(dir, attr, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return tberr.NewUdev(dir, attr, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return tberr.NewUdev(dir, attr, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return tberr.NewUdev(dir, attr, err)
	}
	return nil
}

// UniqueID reads the unique_id attribute.
func (p *Probe) UniqueID(n Node) (string, error) {
	v, ok, err := readAttr(n.Syspath, "unique_id")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", tberr.NewUdev(n.Syspath, "unique_id", os.ErrNotExist)
	}
	return v, nil
}

// ReadAuthorized reads the authorized attribute (0, 1 or 2).
func (p *Probe) ReadAuthorized(n Node) (int, error) {
	v, ok, err := readAttr(n.Syspath, "authorized")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, tberr.NewUdev(n.Syspath, "authorized", os.ErrNotExist)
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		return 0, tberr.NewUdev(n.Syspath, "authorized", err)
	}
	return val, nil
}

// WriteAuthorized writes "1" or "2" to the authorized attribute,
// triggering the kernel's authorization or challenge-response flow.
func (p *Probe) WriteAuthorized(n Node, value string) error {
	return writeAttrAtomic(n.Syspath, "authorized", value)
}

// WriteKey writes the 64-hex challenge key to the key attribute, mode
// 0600, before the authorize write.
func (p *Probe) WriteKey(n Node, hexKey string) error {
	path := filepath.Join(n.Syspath, "key")
	if err := os.WriteFile(path, []byte(hexKey), 0o600); err != nil {
		return tberr.NewUdev(n.Syspath, "key", err)
	}
	return nil
}

// ReadKey reads back the key attribute (used for the Secure first-time
// enrollment compare-back step).
func (p *Probe) ReadKey(n Node) (string, error) {
	v, ok, err := readAttr(n.Syspath, "key")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", tberr.NewUdev(n.Syspath, "key", os.ErrNotExist)
	}
	return v, nil
}

// ReadGeneration reads the generation attribute; missing becomes 0.
func (p *Probe) ReadGeneration(n Node) int {
	v, ok, err := readAttr(n.Syspath, "generation")
	if err != nil || !ok {
		return 0
	}
	gen, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return gen
}

// ReadIOMMU reads the iommu attribute; missing or unparsable becomes
// false.
func (p *Probe) ReadIOMMU(n Node) bool {
	v, ok, err := readAttr(n.Syspath, "iommu")
	if err != nil || !ok {
		return false
	}
	val, err := strconv.Atoi(v)
	return err == nil && val > 0
}

// CreationTime reports the first-seen timestamp for a device node, taken
// from the syspath's own ctime since sysfs exposes no dedicated
// attribute for it, mirroring bolt_sysfs_device_get_time's lstat+st_ctim
// read.
func (p *Probe) CreationTime(n Node) time.Time {
	info, err := os.Lstat(n.Syspath)
	if err != nil {
		return time.Time{}
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}
	}
	return time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
}

// ParentUID reads the unique_id of n's immediate physical parent
// directory, used by device construction to populate ParentUID.
func (p *Probe) ParentUID(n Node) (string, bool, error) {
	parent := filepath.Dir(n.Syspath)
	if parent == n.Syspath || !strings.HasPrefix(parent, p.DevicesDir()) {
		return "", false, nil
	}
	uid, ok, err := readAttr(parent, "unique_id")
	if err != nil {
		return "", false, err
	}
	return uid, ok, nil
}

// EnumerateDevices lists every non-domain Thunderbolt device node
// currently present under the bus, recursively.
func (p *Probe) EnumerateDevices() ([]Node, error) {
	var out []Node
	root := p.DevicesDir()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root || !d.IsDir() {
			return nil
		}
		n := Node{Syspath: path}
		isDomain, ierr := p.IsDomain(n)
		if ierr != nil {
			return ierr
		}
		if isDomain {
			return nil
		}
		subsystem, ok, serr := readAttr(path, "subsystem")
		if serr != nil {
			return serr
		}
		if ok && subsystem == "thunderbolt" {
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, tberr.NewUdev(root, "walk", err)
	}
	return out, nil
}
