package sysfsprobe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAttr(t *testing.T, dir, attr, value string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, attr), []byte(value), 0o644))
}

func TestIdentifyPrefersNamedAttrs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	dev := filepath.Join(p.DevicesDir(), "0-1")
	writeAttr(t, dev, "vendor_name", "Apple, Inc.")
	writeAttr(t, dev, "device_name", "MacBook Pro")
	writeAttr(t, dev, "vendor", "0x8086")
	writeAttr(t, dev, "device", "0x1234")

	name, vendor, err := p.Identify(Node{Syspath: dev}, false)
	require.NoError(t, err)
	assert.Equal(t, "MacBook Pro", name)
	assert.Equal(t, "Apple, Inc.", vendor)
}

func TestIdentifyFallsBackToRawAttrs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	dev := filepath.Join(p.DevicesDir(), "0-1")
	writeAttr(t, dev, "vendor", "0x8086")
	writeAttr(t, dev, "device", "0x1234")

	name, vendor, err := p.Identify(Node{Syspath: dev}, false)
	require.NoError(t, err)
	assert.Equal(t, "0x1234", name)
	assert.Equal(t, "0x8086", vendor)
}

func TestIdentifyHostFallsBackToDMI(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	host := filepath.Join(p.DevicesDir(), "domain0")
	writeAttr(t, p.DMIDir(), "sys_vendor", "LENOVO")
	writeAttr(t, p.DMIDir(), "product_version", "ThinkPad X1 Carbon")
	writeAttr(t, p.DMIDir(), "product_name", "should not be used")

	name, vendor, err := p.Identify(Node{Syspath: host}, true)
	require.NoError(t, err)
	assert.Equal(t, "ThinkPad X1 Carbon", name)
	assert.Equal(t, "Lenovo", vendor)
}

func TestIdentifyNonHostFailsWithoutDMIFallback(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	dev := filepath.Join(p.DevicesDir(), "0-1")
	require.NoError(t, os.MkdirAll(dev, 0o755))

	_, _, err := p.Identify(Node{Syspath: dev}, false)
	assert.Error(t, err)
}

func TestDomainOfWalksPhysicalParents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	domain := filepath.Join(p.DevicesDir(), "domain0")
	writeAttr(t, domain, "subsystem", "thunderbolt")
	writeAttr(t, domain, "devtype", "thunderbolt_domain")

	child := filepath.Join(domain, "0-1")
	writeAttr(t, child, "subsystem", "thunderbolt")
	writeAttr(t, child, "devtype", "thunderbolt_device")

	found, ok, err := p.DomainOf(Node{Syspath: child})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain, found.Syspath)
}

func TestDomainOfDirectlyUnderHostIsNotFound(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	dev := filepath.Join(p.DevicesDir(), "0-1")
	writeAttr(t, dev, "subsystem", "thunderbolt")
	writeAttr(t, dev, "devtype", "thunderbolt_device")

	_, ok, err := p.DomainOf(Node{Syspath: dev})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadLinkSpeedMissingAttrsAreZero(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	dev := filepath.Join(p.DevicesDir(), "0-1")
	writeAttr(t, dev, "rx_lanes", "2")
	writeAttr(t, dev, "rx_speed", "20")

	speed := p.ReadLinkSpeed(Node{Syspath: dev})
	assert.Equal(t, uint32(2), speed.RxLanes)
	assert.Equal(t, uint32(20), speed.RxSpeed)
	assert.Equal(t, uint32(0), speed.TxLanes)
	assert.Equal(t, uint32(0), speed.TxSpeed)
}

func TestReadBootACLDistinguishesAbsentFromEmpty(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	withAttr := filepath.Join(p.DevicesDir(), "0-1")
	writeAttr(t, withAttr, "boot_acl", "")
	withoutAttr := filepath.Join(p.DevicesDir(), "0-2")
	require.NoError(t, os.MkdirAll(withoutAttr, 0o755))

	acl, present, err := p.ReadBootACL(Node{Syspath: withAttr})
	require.NoError(t, err)
	assert.True(t, present)
	assert.Nil(t, acl)

	acl, present, err = p.ReadBootACL(Node{Syspath: withoutAttr})
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, acl)
}

func TestWriteBootACLRoundTrips(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	dev := filepath.Join(p.DevicesDir(), "0-1")
	require.NoError(t, os.MkdirAll(dev, 0o755))

	require.NoError(t, p.WriteBootACL(Node{Syspath: dev}, []string{"uid-1", "uid-2"}))

	acl, present, err := p.ReadBootACL(Node{Syspath: dev})
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []string{"uid-1", "uid-2"}, acl)
}

func TestCountHostsOnlyCountsDomainsWithChildren(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)

	empty := filepath.Join(p.DevicesDir(), "domain0")
	writeAttr(t, empty, "subsystem", "thunderbolt")
	writeAttr(t, empty, "devtype", "thunderbolt_domain")

	populated := filepath.Join(p.DevicesDir(), "domain1")
	writeAttr(t, populated, "subsystem", "thunderbolt")
	writeAttr(t, populated, "devtype", "thunderbolt_domain")
	child := filepath.Join(populated, "1-1")
	writeAttr(t, child, "subsystem", "thunderbolt")
	writeAttr(t, child, "devtype", "thunderbolt_device")

	count, err := p.CountHosts()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUUIDStabilityKnownAndUnknown(t *testing.T) {
	t.Parallel()

	stable, err := UUIDStability(0x15bf)
	require.NoError(t, err)
	assert.True(t, stable)

	unstable, err := UUIDStability(0x8a17)
	require.NoError(t, err)
	assert.False(t, unstable)

	_, err = UUIDStability(0xffff)
	assert.Error(t, err)
}

func TestNHIPCIIDForDomainParsesHex(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := New(root)
	pciParent := filepath.Join(p.Root, "devices", "pci0000:00", "0000:00:0d.2")
	writeAttr(t, pciParent, "device", "0x15bf")
	domain := filepath.Join(pciParent, "domain0")
	require.NoError(t, os.MkdirAll(domain, 0o755))

	id, err := p.NHIPCIIDForDomain(Node{Syspath: domain})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x15bf), id)
}
