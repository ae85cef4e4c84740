package rttvar

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressAllocator(t *testing.T) {
	aa := CreateAddressAllocator(netip.MustParsePrefix("10.1.0.0/24"))

	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/24"), aa.NewNetwork())
	assert.Equal(t, netip.MustParseAddr("10.1.0.1"), aa.Assign())
	assert.Equal(t, netip.MustParseAddr("10.1.0.2"), aa.Assign())

	assert.Equal(t, netip.MustParsePrefix("10.1.1.0/24"), aa.NewNetwork())
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), aa.Assign())

	require.Len(t, aa.Subnets(), 2)
}

func TestAddressAllocatorCarries(t *testing.T) {
	aa := CreateAddressAllocator(netip.MustParsePrefix("10.1.255.0/24"))
	aa.NewNetwork()
	assert.Equal(t, netip.MustParsePrefix("10.2.0.0/24"), aa.NewNetwork())
}

func TestAddressAllocatorMisuse(t *testing.T) {
	assert.Panics(t, func() { CreateAddressAllocator(netip.MustParsePrefix("10.0.0.0/16")) })
	assert.Panics(t, func() { CreateAddressAllocator(netip.MustParsePrefix("fd00::/24")) })

	aa := CreateAddressAllocator(netip.MustParsePrefix("10.1.0.0/24"))
	assert.Panics(t, func() { aa.Assign() })

	aa.NewNetwork()
	for idx := 0; idx < 254; idx++ {
		aa.Assign()
	}
	assert.Panics(t, func() { aa.Assign() })
}
