package flowengine

import (
	"net"
	"net/netip"

	"github.com/relaytun/flowbridge/pkg/pktcodec"
)

func addrFromIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a
}

func keyFromParsed(p pktcodec.Parsed) Key {
	if p.Kind == pktcodec.KindTCP {
		return Key{
			SrcIP:   addrFromIP(p.SrcIP),
			SrcPort: p.TCP.SrcPort,
			DstIP:   addrFromIP(p.DstIP),
			DstPort: p.TCP.DstPort,
			Kind:    TCP,
		}
	}
	return Key{
		SrcIP:   addrFromIP(p.SrcIP),
		SrcPort: p.UDP.SrcPort,
		DstIP:   addrFromIP(p.DstIP),
		DstPort: p.UDP.DstPort,
		Kind:    UDP,
	}
}

func (k Key) family() int {
	if k.DstIP.Is4() {
		return 4
	}
	return 6
}

func (k Key) fiveTuple() pktcodec.FiveTuple {
	return pktcodec.FiveTuple{
		Family:  k.family(),
		SrcIP:   net.IP(k.SrcIP.AsSlice()),
		DstIP:   net.IP(k.DstIP.AsSlice()),
		SrcPort: k.SrcPort,
		DstPort: k.DstPort,
	}
}

func (k Key) dstNetIP() net.IP {
	return net.IP(k.DstIP.AsSlice())
}
