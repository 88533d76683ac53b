package filter

import (
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// Compile translates a pcap filter expression into BPF machine
// instructions ready for Install. snaplen should match the ring's
// capture length; linkType is the ring's datalink, typically
// layers.LinkTypeEthernet.
func Compile(expr string, linkType layers.LinkType, snaplen int) ([]bpf.RawInstruction, error) {
	prog, err := pcap.CompileBPFFilter(linkType, snaplen, expr)
	if err != nil {
		return nil, err
	}

	insns := make([]bpf.RawInstruction, len(prog))
	for i, ins := range prog {
		insns[i] = bpf.RawInstruction{
			Op: ins.Code,
			Jt: ins.Jt,
			Jf: ins.Jf,
			K:  ins.K,
		}
	}
	return insns, nil
}
