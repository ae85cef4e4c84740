package rttvar

// address.go hands out IPv4 subnets and host addresses to links.  Every
// link gets a /24 of its own, starting at 10.1.0.0 and never reused.

import (
	"fmt"
	"net/netip"
)

// AddressAllocator assigns a fresh subnet per call to NewNetwork, and consecutive
// host addresses within the current subnet per call to Assign
type AddressAllocator struct {
	base    netip.Prefix
	current netip.Prefix
	nxtHost netip.Addr
	started bool
	subnets []netip.Prefix
}

// CreateAddressAllocator is a constructor.  base must be an IPv4 /24
func CreateAddressAllocator(base netip.Prefix) *AddressAllocator {
	if !base.Addr().Is4() || base.Bits() != 24 {
		panic(fmt.Errorf("address allocator needs an IPv4 /24 base, got %s", base))
	}
	aa := new(AddressAllocator)
	aa.base = base.Masked()
	aa.subnets = make([]netip.Prefix, 0)
	return aa
}

// NewNetwork moves to the next unused /24 and returns it
func (aa *AddressAllocator) NewNetwork() netip.Prefix {
	if !aa.started {
		aa.current = aa.base
		aa.started = true
	} else {
		b := aa.current.Addr().As4()
		b[2] += 1
		if b[2] == 0 {
			b[1] += 1
			if b[1] == 0 {
				panic(fmt.Errorf("address space below %s exhausted", aa.base))
			}
		}
		aa.current = netip.PrefixFrom(netip.AddrFrom4(b), 24)
	}
	aa.nxtHost = aa.current.Addr().Next()
	aa.subnets = append(aa.subnets, aa.current)
	return aa.current
}

// Assign returns the next host address in the current subnet
func (aa *AddressAllocator) Assign() netip.Addr {
	if !aa.started {
		panic(fmt.Errorf("Assign called before NewNetwork"))
	}
	addr := aa.nxtHost
	if !aa.current.Contains(addr) || addr.As4()[3] == 255 {
		panic(fmt.Errorf("subnet %s exhausted", aa.current))
	}
	aa.nxtHost = addr.Next()
	return addr
}

// Subnets lists every subnet handed out so far, in order
func (aa *AddressAllocator) Subnets() []netip.Prefix {
	return aa.subnets
}
