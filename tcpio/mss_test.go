package tcpio

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/packet"
)

func synWithOptions(opts ...layers.TCPOption) *packet.Packet {
	pkt := rawPacket(1111, 80, 1000, 0, true, false, false, false, "")
	pkt.TCP.Options = opts
	return pkt
}

func TestStripSACKPermitted_ReplacesOptionWithNops(t *testing.T) {
	mss := layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}
	sackPermitted := layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2}
	wscale := layers.TCPOption{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}}

	pkt := synWithOptions(mss, sackPermitted, wscale)
	StripSACKPermitted(pkt)

	require.Equal(t, []layers.TCPOption{
		mss,
		{OptionType: layers.TCPOptionKindNop},
		{OptionType: layers.TCPOptionKindNop},
		wscale,
	}, pkt.TCP.Options)
}

func TestStripSACKPermitted_NoOptionIsNoop(t *testing.T) {
	mss := layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}
	pkt := synWithOptions(mss)
	StripSACKPermitted(pkt)
	require.Equal(t, []layers.TCPOption{mss}, pkt.TCP.Options)
}

func TestStripSACKPermitted_IgnoresNonSynPackets(t *testing.T) {
	sackPermitted := layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2}
	pkt := rawPacket(1111, 80, 1000, 0, false, true, false, false, "")
	pkt.TCP.Options = []layers.TCPOption{sackPermitted}

	StripSACKPermitted(pkt)
	require.Equal(t, []layers.TCPOption{sackPermitted}, pkt.TCP.Options)
}
