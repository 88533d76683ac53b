//go:build linux

package xdpring

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// MaxQueues caps the number of NIC queues a single interface may
// register AF_XDP sockets for.
const MaxQueues = 64

// progObjects holds the in-kernel objects serving one interface: the
// xsks map routing each RX queue to its AF_XDP socket and the XDP
// program redirecting into it.
type progObjects struct {
	xsksMap *ebpf.Map
	prog    *ebpf.Program
}

// loadProgObjects assembles and loads the redirect program. The
// program reads the packet's RX queue index from the xdp_md context
// and redirects into the matching xsks_map slot, passing the packet
// on to the kernel stack when the slot is empty.
func loadProgObjects() (*progObjects, error) {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	const xdpPass = 2 // XDP_PASS from linux/bpf.h

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xdp_sock_prog",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			// r2 = xdp_md->rx_queue_index
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
			asm.LoadMapPtr(asm.R1, xsks.FD()),
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
		License: "LGPL-2.1 or BSD-2-Clause",
	})
	if err != nil {
		xsks.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	return &progObjects{xsksMap: xsks, prog: prog}, nil
}

// registerXSK registers the socket FD in the xsks map for the given
// queue so the XDP program redirects that queue's packets to it.
func (o *progObjects) registerXSK(fd int, queue uint32) error {
	if o.xsksMap == nil {
		return ErrXSKSMapNotFound
	}
	return o.xsksMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

// unregisterXSK removes the queue's slot from the xsks map.
func (o *progObjects) unregisterXSK(queue uint32) error {
	if o.xsksMap == nil {
		return ErrXSKSMapNotFound
	}
	return o.xsksMap.Delete(queue)
}

func (o *progObjects) Close() error {
	var first error
	if o.prog != nil {
		if err := o.prog.Close(); err != nil {
			first = err
		}
		o.prog = nil
	}
	if o.xsksMap != nil {
		if err := o.xsksMap.Close(); err != nil && first == nil {
			first = err
		}
		o.xsksMap = nil
	}
	return first
}
