// Package uevent consumes the kernel's Thunderbolt hot-plug notifications
// over netlink: two multicast groups, "kernel" (trace-only) and "udev"
// (authoritative), each yielding parsed add/change/remove events.
package uevent

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/tbauthd/tbauthd/internal/sysfsprobe"
)

// Stream names the netlink multicast group an Event arrived on.
const (
	StreamKernel = "kernel"
	StreamUdev   = "udev"
)

// Event is a single parsed hot-plug notification.
type Event struct {
	Stream    string
	Action    string // add, change, remove
	Syspath   string
	Subsystem string
	UniqueID  string // present only for add/change, after the unique_id filter
}

// Source is a pollable handle over the two hot-plug channels.
type Source interface {
	Events() <-chan Event
	Close() error
}

// UniqueIDReader resolves a node's unique_id so the Source can apply the
// add/change filter in spec §4.5 ("events without unique_id are dropped").
type UniqueIDReader interface {
	UniqueID(node sysfsprobe.Node) (string, error)
}

const (
	groupKernel = 1 // NETLINK_KOBJECT_UEVENT multicast group "kernel"
	groupUdev   = 2 // NETLINK_KOBJECT_UEVENT multicast group "udev"
)

// NetlinkSource reads both NETLINK_KOBJECT_UEVENT multicast groups.
type NetlinkSource struct {
	root   string
	reader UniqueIDReader
	log    zerolog.Logger

	fdKernel int
	fdUdev   int
	events   chan Event
	stop     chan struct{}
}

// NewNetlinkSource opens both netlink groups and starts reading. root is
// prepended to kernel-reported DEVPATH values to form a syspath (normally
// "/sys"; overridable in tests, though tests should prefer NewFakeSource).
func NewNetlinkSource(root string, reader UniqueIDReader, log zerolog.Logger) (*NetlinkSource, error) {
	fdKernel, err := bindGroup(groupKernel)
	if err != nil {
		return nil, fmt.Errorf("uevent: bind kernel group: %w", err)
	}
	fdUdev, err := bindGroup(groupUdev)
	if err != nil {
		unix.Close(fdKernel)
		return nil, fmt.Errorf("uevent: bind udev group: %w", err)
	}

	s := &NetlinkSource{
		root:     root,
		reader:   reader,
		log:      log,
		fdKernel: fdKernel,
		fdUdev:   fdUdev,
		events:   make(chan Event, 64),
		stop:     make(chan struct{}),
	}

	go s.readLoop(fdKernel, StreamKernel)
	go s.readLoop(fdUdev, StreamUdev)

	return s, nil
}

func bindGroup(group uint32) (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (s *NetlinkSource) readLoop(fd int, stream string) {
	buf := make([]byte, 8192)
	for {
		pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pollFds, 200)
		select {
		case <-s.stop:
			return
		default:
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.log.Warn().Err(err).Str("stream", stream).Msg("uevent poll failed")
			return
		}
		if n == 0 {
			continue
		}

		read, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			s.log.Warn().Err(err).Str("stream", stream).Msg("uevent read failed")
			return
		}

		ev, ok := s.parse(stream, buf[:read])
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.stop:
			return
		}
	}
}

// parse extracts and filters a single event from a raw netlink payload.
// libudev-originated frames carry an 8-byte "libudev\x01" header before
// the NUL-separated KEY=VALUE property list; kernel frames have none.
func (s *NetlinkSource) parse(stream string, raw []byte) (Event, bool) {
	if bytes.HasPrefix(raw, []byte("libudev")) {
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[i+1:]
		}
	}

	fields := map[string]string{}
	for _, part := range bytes.Split(raw, []byte{0}) {
		k, v, ok := strings.Cut(string(part), "=")
		if !ok {
			continue
		}
		fields[k] = v
	}

	return buildEvent(stream, fields, s.root, s.reader)
}

func buildEvent(stream string, fields map[string]string, root string, reader UniqueIDReader) (Event, bool) {
	subsystem := fields["SUBSYSTEM"]
	if subsystem != "thunderbolt" {
		return Event{}, false
	}
	action := fields["ACTION"]
	if action != "add" && action != "change" && action != "remove" {
		return Event{}, false
	}
	devpath := fields["DEVPATH"]
	if devpath == "" {
		return Event{}, false
	}
	if strings.HasPrefix(path.Base(devpath), "domain") {
		return Event{}, false
	}

	ev := Event{
		Stream:    stream,
		Action:    action,
		Syspath:   root + devpath,
		Subsystem: subsystem,
	}

	if action == "add" || action == "change" {
		uid, err := reader.UniqueID(sysfsprobe.Node{Syspath: ev.Syspath})
		if err != nil || uid == "" {
			return Event{}, false
		}
		ev.UniqueID = uid
	}

	return ev, true
}

// Events returns the combined channel for both multicast groups.
func (s *NetlinkSource) Events() <-chan Event {
	return s.events
}

// Close stops both read loops and releases the sockets.
func (s *NetlinkSource) Close() error {
	close(s.stop)
	unix.Close(s.fdKernel)
	unix.Close(s.fdUdev)
	return nil
}
