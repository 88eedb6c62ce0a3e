// Package enrollstore is the durable, filesystem-backed map from device
// uid to {device record, key}. It is a directory: each device is a
// subdirectory named by uid containing a "device" descriptor file and an
// optional "key" file, per spec §6. It assumes a single writer and does
// not provide cross-process locking, but every write is atomic (temp
// file, fsync, rename) so a crash between steps leaves either the
// previous or the new record observable, never a torn one.
package enrollstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tbauthd/tbauthd/internal/keymaterial"
	"github.com/tbauthd/tbauthd/internal/sysfsprobe"
	"github.com/tbauthd/tbauthd/internal/tberr"
)

// Policy is a device's persisted authorization preference.
type Policy int

const (
	PolicyDefault Policy = iota
	PolicyManual
	PolicyAuto
)

func (p Policy) String() string {
	switch p {
	case PolicyManual:
		return "manual"
	case PolicyAuto:
		return "auto"
	default:
		return "default"
	}
}

// ParsePolicy parses a policy string, defaulting unknown values to
// PolicyDefault rather than erroring, matching the original daemon's
// tolerance of stale/foreign descriptor files.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return PolicyManual
	case "auto":
		return PolicyAuto
	default:
		return PolicyDefault
	}
}

// Record is the persisted subset of a device's fields: name, vendor,
// policy, first-seen timestamp, and stored security level, per spec §6.
type Record struct {
	UID      string
	Name     string
	Vendor   string
	Policy   Policy
	CTime    time.Time
	Security sysfsprobe.Security
}

const deviceFileName = "device"
const keyFileName = "key"

// Store is the on-disk enrollment store rooted at Root.
type Store struct {
	Root string
}

// New constructs a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, tberr.NewStore("init", "", err)
	}
	return &Store{Root: root}, nil
}

func (s *Store) deviceDir(uid string) string {
	return filepath.Join(s.Root, "devices", uid)
}

// List returns every enrolled uid, in arbitrary order.
func (s *Store) List() ([]string, error) {
	base := filepath.Join(s.Root, "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, tberr.NewStore("list", "", err)
	}
	uids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			uids = append(uids, e.Name())
		}
	}
	return uids, nil
}

// Get loads the device record for uid, or a NotFound error.
func (s *Store) Get(uid string) (Record, error) {
	path := filepath.Join(s.deviceDir(uid), deviceFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, tberr.NewNotFound("enrollstore", uid)
		}
		return Record{}, tberr.NewStore("get", uid, err)
	}
	defer f.Close()

	rec := Record{UID: uid}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			rec.Name = value
		case "vendor":
			rec.Vendor = value
		case "policy":
			rec.Policy = ParsePolicy(value)
		case "ctime":
			if sec, err := strconv.ParseInt(value, 10, 64); err == nil {
				rec.CTime = time.Unix(sec, 0).UTC()
			}
		case "security":
			rec.Security = parseStoredSecurity(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Record{}, tberr.NewStore("get", uid, err)
	}
	return rec, nil
}

func parseStoredSecurity(s string) sysfsprobe.Security {
	for _, sec := range []sysfsprobe.Security{
		sysfsprobe.SecurityNone, sysfsprobe.SecurityUser, sysfsprobe.SecuritySecure,
		sysfsprobe.SecurityDpOnly, sysfsprobe.SecurityUsbOnly,
	} {
		if sec.String() == strings.ToLower(strings.TrimSpace(s)) {
			return sec
		}
	}
	return sysfsprobe.SecurityUnknown
}

// Put atomically writes rec's descriptor file.
func (s *Store) Put(rec Record) error {
	dir := s.deviceDir(rec.UID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return tberr.NewStore("put", rec.UID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "name=%s\n", rec.Name)
	fmt.Fprintf(&b, "vendor=%s\n", rec.Vendor)
	fmt.Fprintf(&b, "policy=%s\n", rec.Policy)
	fmt.Fprintf(&b, "ctime=%d\n", rec.CTime.Unix())
	fmt.Fprintf(&b, "security=%s\n", rec.Security)

	if err := writeAtomic(filepath.Join(dir, deviceFileName), b.String(), 0o644); err != nil {
		return tberr.NewStore("put", rec.UID, err)
	}
	return nil
}

// Delete removes uid's subdirectory and contents. Deleting a missing uid
// yields success.
func (s *Store) Delete(uid string) error {
	if err := os.RemoveAll(s.deviceDir(uid)); err != nil {
		return tberr.NewStore("delete", uid, err)
	}
	return nil
}

// HasKey reports whether uid has a stored challenge-response key.
func (s *Store) HasKey(uid string) bool {
	_, err := os.Stat(filepath.Join(s.deviceDir(uid), keyFileName))
	return err == nil
}

// LoadKey reads uid's stored key, or a NotFound error.
func (s *Store) LoadKey(uid string) (keymaterial.Key, error) {
	path := filepath.Join(s.deviceDir(uid), keyFileName)
	k, err := keymaterial.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keymaterial.Key{}, tberr.NewNotFound("enrollstore-key", uid)
		}
		return keymaterial.Key{}, tberr.NewStore("load-key", uid, err)
	}
	return k, nil
}

// PutKey atomically writes uid's key, mode 0600.
func (s *Store) PutKey(uid string, k keymaterial.Key) error {
	dir := s.deviceDir(uid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return tberr.NewStore("put-key", uid, err)
	}
	if err := keymaterial.Save(filepath.Join(dir, keyFileName), k); err != nil {
		return tberr.NewStore("put-key", uid, err)
	}
	return nil
}

func writeAtomic(path, content string, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
