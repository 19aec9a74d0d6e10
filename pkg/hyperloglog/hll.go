// Package hyperloglog implements the fixed-width HyperLogLog sketch used to
// count unique dataselect clients. Sketches are mergeable across nodes and
// time windows without transporting raw client identifiers.
//
// Memory usage: 2^precision registers, serialized as 5-bit packed values.
// Standard error: ~1.04 / sqrt(2^precision); for precision=11 that is ~2.3%.
package hyperloglog

import (
	"math"
	"math/bits"
)

const (
	// RegisterWidth is the serialized width of every register in bits.
	// All sketches in the system share it; the maximum register value is
	// 2^RegisterWidth - 1 = 31.
	RegisterWidth = 5

	// StoragePrecision is the precision of persisted and transported
	// sketches. Aggregation may run at a higher precision and downscale
	// on serialization.
	StoragePrecision = 11

	// CollectionPrecision is the precision the aggregator collects at.
	CollectionPrecision = 13

	// wireVersion is the first byte of the binary layout.
	wireVersion = 1

	maxRegister = (1 << RegisterWidth) - 1
)

// Sketch is a HyperLogLog cardinality estimator with 5-bit registers.
type Sketch struct {
	precision uint8
	m         uint32
	registers []uint8
	alpha     float64
}

// New creates a sketch with the given precision (4..18).
func New(precision uint8) *Sketch {
	if precision < 4 || precision > 18 {
		precision = StoragePrecision
	}

	m := uint32(1) << precision

	var alpha float64
	switch m {
	case 16:
		alpha = 0.673
	case 32:
		alpha = 0.697
	case 64:
		alpha = 0.709
	default:
		alpha = 0.7213 / (1 + 1.079/float64(m))
	}

	return &Sketch{
		precision: precision,
		m:         m,
		registers: make([]uint8, m),
		alpha:     alpha,
	}
}

// Precision returns the sketch precision p.
func (s *Sketch) Precision() uint8 { return s.precision }

// AddHash inserts a pre-computed 64-bit hash. The low p bits select the
// register, the remaining bits determine its rank.
func (s *Sketch) AddHash(hash uint64) {
	idx := hash & (uint64(s.m) - 1)
	w := hash >> s.precision

	// With rank defined through LeadingZeros64 of the shifted value, the
	// register value does not depend on the precision (for hash >= 2^p),
	// which is what makes Downscale a pure register fold.
	var rank uint8
	if w == 0 {
		rank = 64 - s.precision + 1
	} else {
		rank = uint8(bits.LeadingZeros64(w) - int(s.precision) + 1)
	}
	if rank > maxRegister {
		rank = maxRegister
	}

	if rank > s.registers[idx] {
		s.registers[idx] = rank
	}
}

// Union merges another sketch into this one by pointwise register max.
// Both sketches must have the same precision.
func (s *Sketch) Union(other *Sketch) error {
	if s.precision != other.precision {
		return ErrIncompatibleParameters
	}
	for i, v := range other.registers {
		if v > s.registers[i] {
			s.registers[i] = v
		}
	}
	return nil
}

// Cardinality returns the estimated number of distinct inserted hashes.
func (s *Sketch) Cardinality() uint64 {
	sum := 0.0
	zeros := 0
	for _, v := range s.registers {
		sum += 1.0 / float64(uint64(1)<<v)
		if v == 0 {
			zeros++
		}
	}

	m := float64(s.m)
	estimate := s.alpha * m * m / sum

	if estimate <= 2.5*m {
		// Small range correction (linear counting).
		if zeros != 0 {
			estimate = m * math.Log(m/float64(zeros))
		}
	} else if estimate > (1.0/30.0)*math.Pow(2, 32) {
		estimate = -math.Pow(2, 32) * math.Log(1-estimate/math.Pow(2, 32))
	}

	return uint64(estimate)
}

// Downscale folds this sketch down to a lower precision. Register ranks are
// precision-independent, so the target register j is the max over all source
// registers congruent to j modulo 2^target.
func (s *Sketch) Downscale(target uint8) (*Sketch, error) {
	if target > s.precision || target < 4 {
		return nil, ErrIncompatibleParameters
	}

	out := New(target)
	for i, v := range s.registers {
		j := uint32(i) & (out.m - 1)
		if v > out.registers[j] {
			out.registers[j] = v
		}
	}
	return out, nil
}

// RegistersEqual reports whether two sketches have identical parameters and
// register contents. It is the equality notion for the union laws.
func (s *Sketch) RegistersEqual(other *Sketch) bool {
	if s.precision != other.precision {
		return false
	}
	for i, v := range s.registers {
		if other.registers[i] != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the sketch.
func (s *Sketch) Clone() *Sketch {
	out := New(s.precision)
	copy(out.registers, s.registers)
	return out
}

// ToBytes serializes the sketch. Layout: one version byte, one precision
// byte, one register-width byte, then ceil(2^p * width / 8) bytes of
// registers packed MSB-first.
func (s *Sketch) ToBytes() []byte {
	packed := make([]byte, packedLen(s.m))
	for i, v := range s.registers {
		bitpos := i * RegisterWidth
		byteIdx := bitpos / 8
		off := uint(bitpos % 8)

		// A 5-bit value at any offset spans at most two bytes.
		w := uint16(v) << (16 - RegisterWidth - off)
		packed[byteIdx] |= byte(w >> 8)
		if byteIdx+1 < len(packed) {
			packed[byteIdx+1] |= byte(w)
		}
	}

	out := make([]byte, 3+len(packed))
	out[0] = wireVersion
	out[1] = s.precision
	out[2] = RegisterWidth
	copy(out[3:], packed)
	return out
}

// FromBytes deserializes a sketch produced by ToBytes.
func FromBytes(data []byte) (*Sketch, error) {
	if len(data) < 3 {
		return nil, ErrInvalidData
	}
	if data[0] != wireVersion {
		return nil, ErrInvalidData
	}
	precision := data[1]
	if precision < 4 || precision > 18 {
		return nil, ErrInvalidData
	}
	if data[2] != RegisterWidth {
		return nil, ErrInvalidData
	}

	m := uint32(1) << precision
	if len(data) != 3+packedLen(m) {
		return nil, ErrInvalidData
	}

	s := New(precision)
	packed := data[3:]
	for i := range s.registers {
		bitpos := i * RegisterWidth
		byteIdx := bitpos / 8
		off := uint(bitpos % 8)

		w := uint16(packed[byteIdx]) << 8
		if byteIdx+1 < len(packed) {
			w |= uint16(packed[byteIdx+1])
		}
		s.registers[i] = uint8((w >> (16 - RegisterWidth - off)) & maxRegister)
	}
	return s, nil
}

func packedLen(m uint32) int {
	return (int(m)*RegisterWidth + 7) / 8
}

var (
	// ErrIncompatibleParameters is returned when combining sketches whose
	// precision or register width differ.
	ErrIncompatibleParameters = &Error{"incompatible sketch parameters"}

	// ErrInvalidData is returned when deserializing malformed bytes.
	ErrInvalidData = &Error{"invalid serialized data"}
)

// Error represents a HyperLogLog operation error.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return "hyperloglog: " + e.message
}
