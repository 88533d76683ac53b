package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"github.com/yerden/ringcap/filter"
)

// etherIPTCP is an Ethernet/IPv4/TCP header stack with dst port 80.
var etherIPTCP = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, // dst mac
	0x0, 0x11, 0x22, 0x33, 0x44, 0x55, // src mac
	0x08, 0x0, // ether type
	0x45, 0x0, 0x0, 0x3c, 0xa6, 0xc3, 0x40, 0x0, 0x40, 0x06, 0x3d, 0xd8, // ip header
	0xc0, 0xa8, 0x50, 0x2f, // src ip
	0xc0, 0xa8, 0x50, 0x2c, // dst ip
	0xaf, 0x14, // src port
	0x0, 0x50, // dst port
}

// minLength assembles a predicate accepting packets of at least n
// bytes.
func minLength(t *testing.T, n uint32) []bpf.RawInstruction {
	t.Helper()
	insns, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtLen},
		bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: n, SkipFalse: 1},
		bpf.RetConstant{Val: 65535},
		bpf.RetConstant{Val: 0},
	})
	require.NoError(t, err)
	return insns
}

// tcpDstPort assembles a rough "ip and tcp and dst port" predicate
// assuming a fixed 20-byte IP header, which holds for the test
// packet.
func tcpDstPort(t *testing.T, port uint32) []bpf.RawInstruction {
	t.Helper()
	insns, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipFalse: 5},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipFalse: 3},
		bpf.LoadAbsolute{Off: 36, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: port, SkipFalse: 1},
		bpf.RetConstant{Val: 65535},
		bpf.RetConstant{Val: 0},
	})
	require.NoError(t, err)
	return insns
}

func TestEmptyProgramAcceptsAll(t *testing.T) {
	var p filter.Program
	assert.Equal(t, 0, p.Len())
	assert.True(t, p.Match(etherIPTCP))
	assert.True(t, p.Match(nil))
}

func TestInstallAndMatch(t *testing.T) {
	var p filter.Program
	require.NoError(t, p.Install(tcpDstPort(t, 80)))
	assert.Equal(t, 8, p.Len())

	assert.True(t, p.Match(etherIPTCP))

	udp := append([]byte(nil), etherIPTCP...)
	udp[23] = 17 // protocol = UDP
	assert.False(t, p.Match(udp))

	truncated := etherIPTCP[:20]
	assert.False(t, p.Match(truncated), "truncated packet rejected")
}

func TestInstallIdempotent(t *testing.T) {
	var p filter.Program
	insns := minLength(t, 64)

	require.NoError(t, p.Install(insns))
	first := []bool{p.Match(make([]byte, 32)), p.Match(make([]byte, 128))}

	require.NoError(t, p.Install(insns))
	second := []bool{p.Match(make([]byte, 32)), p.Match(make([]byte, 128))}

	assert.Equal(t, first, second)
	assert.Equal(t, []bool{false, true}, second)
}

func TestInstallDoesNotAliasCaller(t *testing.T) {
	var p filter.Program
	insns := minLength(t, 64)
	require.NoError(t, p.Install(insns))

	// Clobbering the caller's slice must not affect the installed
	// program.
	for i := range insns {
		insns[i] = bpf.RawInstruction{}
	}
	assert.True(t, p.Match(make([]byte, 128)))
	assert.False(t, p.Match(make([]byte, 32)))
}

func TestClear(t *testing.T) {
	var p filter.Program
	require.NoError(t, p.Install(minLength(t, 64)))
	assert.False(t, p.Match(make([]byte, 16)))

	p.Clear()
	assert.Equal(t, 0, p.Len())
	assert.True(t, p.Match(make([]byte, 16)))
	assert.True(t, p.Match(nil))
}

func TestInstallEmptyClears(t *testing.T) {
	var p filter.Program
	require.NoError(t, p.Install(minLength(t, 64)))
	require.NoError(t, p.Install(nil))
	assert.True(t, p.Match(make([]byte, 16)))
}

func TestInstallFailureKeepsPrevious(t *testing.T) {
	var p filter.Program
	require.NoError(t, p.Install(minLength(t, 64)))

	// A program not ending in a return does not verify.
	bad, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtLen},
	})
	require.NoError(t, err)

	err = p.Install(bad)
	require.ErrorIs(t, err, filter.ErrBadProgram)

	// Previous program remains active and unmodified.
	assert.Equal(t, 4, p.Len())
	assert.False(t, p.Match(make([]byte, 32)))
	assert.True(t, p.Match(make([]byte, 64)))
}
