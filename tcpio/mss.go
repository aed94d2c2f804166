package tcpio

import (
	"github.com/google/gopacket/layers"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/packet"
)

// ClampMSS extracts the MSS carried by a SYN's MAXSEG option, applies
// offset (negative to leave room for an MTU-reducing encapsulation
// header the middlebox adds further down the path, as tcpmarkmss.cc's
// OFFSET parameter does), and remembers the clamped value in
// maintainer's MSS field for every later packet of the same direction.
// Non-SYN packets are stamped with whatever value was last observed,
// exactly like markMSS's non-SYN fast path.
func ClampMSS(maintainer *bytestream.Maintainer, pkt *packet.Packet, offset int16) uint16 {
	if pkt.IsSYN() {
		mss := bytestream.DefaultMSS
		for _, opt := range pkt.TCP.Options {
			if opt.OptionType == layers.TCPOptionKindMSS && len(opt.OptionData) >= 2 {
				mss = int(opt.OptionData[0])<<8 | int(opt.OptionData[1])
				break
			}
		}
		clamped := mss + int(offset)
		if clamped < 0 {
			clamped = 0
		}
		maintainer.SetMSS(uint16(clamped))
	}
	pkt.Annotations.MSS = maintainer.MSS()
	return maintainer.MSS()
}

// StripSACKPermitted removes the SACK-permitted option from a SYN's
// option list, replacing its bytes with NOPs of the same total length,
// so the two endpoints this middlebox sits between never negotiate
// SACK across it, mirroring manageOptions' TCPOPT_SACK_PERMITTED branch.
func StripSACKPermitted(pkt *packet.Packet) {
	if !pkt.IsSYN() {
		return
	}
	for i, opt := range pkt.TCP.Options {
		if opt.OptionType != layers.TCPOptionKindSACKPermitted {
			continue
		}
		nop := layers.TCPOption{OptionType: layers.TCPOptionKindNop}
		replaced := make([]layers.TCPOption, 0, len(pkt.TCP.Options)+1)
		replaced = append(replaced, pkt.TCP.Options[:i]...)
		replaced = append(replaced, nop, nop)
		replaced = append(replaced, pkt.TCP.Options[i+1:]...)
		pkt.TCP.Options = replaced
		return
	}
}
