// Package filter implements compiled cBPF packet filters for the
// capture engine. A Program owns its instruction storage exclusively
// and evaluates packets with a pure-Go BPF virtual machine, mirroring
// pcap's offline filtering: the packet's captured length doubles as
// its wire length and the timestamp plays no part in evaluation. An
// evaluator variant that does need a populated header can reconstruct
// it from a descriptor's nanosecond timestamp as sec = ns/1e9,
// usec = ns%1e9/1000.
package filter

import (
	"errors"

	"golang.org/x/net/bpf"
)

// ErrBadProgram reports filter instructions the evaluator cannot
// decode or verify.
var ErrBadProgram = errors.New("malformed filter program")

// Program is an immutable compiled matching program. The zero value
// is the "no filter" state and accepts every packet.
//
// A program belongs to whichever reader installs it; installing a new
// instruction sequence replaces the previous one, so programs must
// never be shared across readers.
type Program struct {
	insns []bpf.RawInstruction
	vm    *bpf.VM
}

// Install replaces the program's instructions with insns. Installing
// an empty sequence is equivalent to Clear. The instructions are
// copied; the caller's slice is not retained.
//
// On failure the previous program remains active and unmodified.
func (p *Program) Install(insns []bpf.RawInstruction) error {
	if len(insns) == 0 {
		p.Clear()
		return nil
	}

	decoded, allDecoded := bpf.Disassemble(insns)
	if !allDecoded {
		return ErrBadProgram
	}
	vm, err := bpf.NewVM(decoded)
	if err != nil {
		return ErrBadProgram
	}

	p.insns = append([]bpf.RawInstruction(nil), insns...)
	p.vm = vm
	return nil
}

// Clear drops the installed instructions. Match accepts everything
// afterwards.
func (p *Program) Clear() {
	p.insns = nil
	p.vm = nil
}

// Len returns the number of installed instructions.
func (p *Program) Len() int { return len(p.insns) }

// Match evaluates one packet against the program and reports whether
// it passes. A program with zero instructions accepts every packet.
// An evaluator error rejects the packet.
func (p *Program) Match(data []byte) bool {
	if p.vm == nil {
		return true
	}
	n, err := p.vm.Run(data)
	return err == nil && n > 0
}
