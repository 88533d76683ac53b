//go:build linux

// Package xdpring implements a capture ring transport on top of
// AF_XDP zero-copy capable sockets. Interface owns the XDP redirect
// program and eBPF objects; Ring is an AF_XDP socket bound to a
// specific RX queue and implements capture.RingTransport with the
// borrow-many-return-many model: received packets borrow whole UMEM
// frames and ReturnMany recycles them into the fill ring.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
package xdpring

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/link"
)

var (
	ErrXSKSMapNotFound = errors.New("xsks_map not found")
	ErrRXRegionIsEmpty = errors.New("rx region is empty")
	ErrFQRegionIsEmpty = errors.New("fq region is empty")
	ErrNotPowerOfTwo   = errors.New("NumFrames, FrameSize and RingSize must be powers of two")
	ErrTooManyFrames   = errors.New("NumFrames must not exceed the fill ring size")
)

// InterfaceConfig controls how AF_XDP is attached to a network
// interface.
type InterfaceConfig struct {
	PreferZerocopy bool
}

// Interface represents a NIC with the XDP redirect program attached.
// It owns the program and eBPF objects and opens capture rings bound
// to individual hardware queues.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool

	link link.Link
	objs *progObjects
}

// OpenInterface attaches the XDP redirect program to the named
// interface and returns an Interface handle that can open capture
// rings on its queues. The program is attached once per Interface.
func OpenInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	objs, err := loadProgObjects()
	if err != nil {
		return nil, err
	}

	opts := link.XDPOptions{
		Program:   objs.prog,
		Interface: netIf.Index,
	}
	if conf.PreferZerocopy {
		// Request driver-mode XDP for zerocopy.
		opts.Flags = link.XDPDriverMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}

	return &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
		link:           l,
		objs:           objs,
	}, nil
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.ifaceName }

// Index returns the Linux interface index.
func (i *Interface) Index() int { return i.ifaceIndex }

// RXQueueIDs returns the list of RX queue IDs available on the
// interface, sorted in ascending order inspecting
// /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "rx-") {
			idStr := e.Name()[3:]
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
			}
			ids = append(ids, uint32(id))
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the XDP program from the interface and frees the
// underlying eBPF resources owned by this Interface. It does not
// close any Ring instances; those must be closed separately before
// closing the Interface.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}

	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP objs: %w", err))
		}
		i.objs = nil
	}
	return errors.Join(errs...)
}
