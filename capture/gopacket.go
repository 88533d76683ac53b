package capture

import (
	"time"

	"github.com/google/gopacket"
)

// CaptureInfo returns gopacket.CaptureInfo metadata for the received
// packet.
func (req *Descriptor) CaptureInfo() (ci gopacket.CaptureInfo) {
	ci.CaptureLength = len(req.Data)
	ci.Length = ci.CaptureLength
	ci.InterfaceIndex = int(req.Port)
	ci.Timestamp = time.Unix(0, req.Timestamp)
	return
}

var _ gopacket.ZeroCopyPacketDataSource = (*RingReader)(nil)
var _ gopacket.PacketDataSource = (*RingReader)(nil)

// ZeroCopyReadPacketData reads the next accepted packet from the
// reader and returns its data and gopacket.CaptureInfo metadata. This
// satisfies gopacket.ZeroCopyPacketDataSource: the returned slice is
// ring memory and is invalidated by the next read.
func (rr *RingReader) ZeroCopyReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	if !rr.LoopNext() {
		err = rr.Err()
	} else {
		data = rr.Data()
		ci = rr.Descriptor().CaptureInfo()
	}
	return
}

// ReadPacketData reads the next accepted packet from the reader and
// returns a copy of its data along with gopacket.CaptureInfo
// metadata. This satisfies gopacket.PacketDataSource.
func (rr *RingReader) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	if !rr.LoopNext() {
		err = rr.Err()
	} else {
		data = make([]byte, len(rr.Data()))
		copy(data, rr.Data())
		ci = rr.Descriptor().CaptureInfo()
	}
	return
}
