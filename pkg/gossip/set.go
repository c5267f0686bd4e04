package gossip

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// AddressSet is a concurrency-safe set of node addresses that travels on the
// wire as a sorted array. The zero value is an empty set ready to use.
type AddressSet struct {
	set mapset.Set[NodeAddress]
}

func NewAddressSet(addrs ...NodeAddress) AddressSet {
	return AddressSet{set: mapset.NewSet(addrs...)}
}

// Add reports whether a was not already present.
func (s *AddressSet) Add(a NodeAddress) bool {
	if s.set == nil {
		s.set = mapset.NewSet[NodeAddress]()
	}
	return s.set.Add(a)
}

func (s AddressSet) Contains(a NodeAddress) bool {
	return s.set != nil && s.set.Contains(a)
}

func (s AddressSet) Len() int {
	if s.set == nil {
		return 0
	}
	return s.set.Cardinality()
}

// Slice returns the members in address order.
func (s AddressSet) Slice() []NodeAddress {
	if s.set == nil {
		return []NodeAddress{}
	}
	return SortAddresses(s.set.ToSlice())
}

func (s AddressSet) Clone() AddressSet {
	if s.set == nil {
		return AddressSet{}
	}
	return AddressSet{set: s.set.Clone()}
}

func (s AddressSet) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(s.Slice())
}

func (s *AddressSet) UnmarshalCBOR(b []byte) error {
	var addrs []NodeAddress
	if err := decMode.Unmarshal(b, &addrs); err != nil {
		return err
	}
	s.set = mapset.NewSet(addrs...)
	return nil
}
