package enr

import "fmt"

// AttrSubnets is the record attribute key carrying the attestation-subnet
// bitfield.
const AttrSubnets = "attnets"

// SubnetCount is the number of attestation subnets.
const SubnetCount = 64

// Subnets is a fixed 64-bit subnet subscription bitfield.
type Subnets [8]byte

// Enable marks the subnet as subscribed.
func (s *Subnets) Enable(id uint8) error {
	if id >= SubnetCount {
		return fmt.Errorf("subnet id %d out of bounds", id)
	}
	s[id/8] |= 1 << (id % 8)
	return nil
}

// Disable clears the subnet subscription.
func (s *Subnets) Disable(id uint8) error {
	if id >= SubnetCount {
		return fmt.Errorf("subnet id %d out of bounds", id)
	}
	s[id/8] &^= 1 << (id % 8)
	return nil
}

// Active reports whether the subnet is subscribed. Out-of-range ids are
// simply inactive.
func (s Subnets) Active(id uint8) bool {
	if id >= SubnetCount {
		return false
	}
	return s[id/8]&(1<<(id%8)) != 0
}

// SetSubnets stores the bitfield in the record attributes. The record must be
// re-signed afterwards for the change to be announced.
func (r *Record) SetSubnets(s Subnets) {
	if r.Attrs == nil {
		r.Attrs = make(map[string][]byte)
	}
	buf := make([]byte, len(s))
	copy(buf, s[:])
	r.Attrs[AttrSubnets] = buf
}

// Subnets extracts the subnet bitfield from the record attributes. A missing
// or malformed attribute yields the empty bitfield and false.
func (r *Record) Subnets() (Subnets, bool) {
	var s Subnets
	raw, ok := r.Attrs[AttrSubnets]
	if !ok || len(raw) != len(s) {
		return s, false
	}
	copy(s[:], raw)
	return s, true
}

// SubnetPredicate returns a record filter matching peers that advertise at
// least one of the given subnets. Records without a well-formed bitfield
// never match.
func SubnetPredicate(ids ...uint8) func(*Record) bool {
	return func(rec *Record) bool {
		subnets, ok := rec.Subnets()
		if !ok {
			return false
		}
		for _, id := range ids {
			if subnets.Active(id) {
				return true
			}
		}
		return false
	}
}
