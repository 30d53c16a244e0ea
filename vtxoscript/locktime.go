package vtxoscript

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// SecondsPerSlot is the granularity of a seconds based relative
	// timelock. BIP-68 encodes seconds in units of 512.
	SecondsPerSlot = 512

	// SequenceSecondsMax is the largest seconds value a relative timelock
	// can express, given the 16 bit sequence field.
	SequenceSecondsMax = wire.SequenceLockTimeMask * SecondsPerSlot

	// SequenceBlocksMax is the largest block based relative timelock
	// value.
	SequenceBlocksMax = wire.SequenceLockTimeMask
)

var (
	// ErrInvalidTimelock is returned when a relative timelock value
	// cannot be represented as a BIP-68 sequence number.
	ErrInvalidTimelock = errors.New("invalid relative timelock")

	// ErrTimelockDisabled is returned when decoding a sequence number
	// that has the BIP-68 disable bit set.
	ErrTimelockDisabled = errors.New("relative timelock is disabled")
)

// LocktimeType is the unit of a relative timelock.
type LocktimeType uint

const (
	// LocktimeTypeSecond denotes a timelock expressed in seconds.
	LocktimeTypeSecond LocktimeType = iota

	// LocktimeTypeBlock denotes a timelock expressed in blocks.
	LocktimeTypeBlock
)

// RelativeLocktime is a BIP-68 relative timelock, either in blocks or in
// seconds. Seconds values must be positive multiples of 512 to be
// representable on the wire.
type RelativeLocktime struct {
	Type  LocktimeType
	Value uint32
}

// Seconds returns the duration of the timelock in seconds, assuming ten
// minute blocks for the block based variant.
func (l RelativeLocktime) Seconds() int64 {
	if l.Type == LocktimeTypeBlock {
		return int64(l.Value) * 10 * 60
	}
	return int64(l.Value)
}

// LessThan returns true if this locktime expires strictly before the other
// one. Both sides are compared on their seconds equivalent.
func (l RelativeLocktime) LessThan(other RelativeLocktime) bool {
	return l.Seconds() < other.Seconds()
}

// Sequence encodes the timelock as a BIP-68 sequence number. Seconds based
// timelocks set bit 22 and carry the value in 512 second units.
func (l RelativeLocktime) Sequence() (uint32, error) {
	if l.Value == 0 {
		return 0, fmt.Errorf("%w: value must be positive",
			ErrInvalidTimelock)
	}

	if l.Type == LocktimeTypeSecond {
		if l.Value > SequenceSecondsMax {
			return 0, fmt.Errorf("%w: %d seconds exceeds maximum "+
				"of %d", ErrInvalidTimelock, l.Value,
				uint32(SequenceSecondsMax))
		}
		if l.Value%SecondsPerSlot != 0 {
			return 0, fmt.Errorf("%w: %d seconds is not a "+
				"multiple of %d", ErrInvalidTimelock, l.Value,
				SecondsPerSlot)
		}

		return wire.SequenceLockTimeIsSeconds |
			l.Value>>wire.SequenceLockTimeGranularity, nil
	}

	if l.Value > SequenceBlocksMax {
		return 0, fmt.Errorf("%w: %d blocks exceeds maximum of %d",
			ErrInvalidTimelock, l.Value,
			uint32(SequenceBlocksMax))
	}

	return l.Value, nil
}

// DecodeSequence interprets a BIP-68 sequence number as a relative timelock.
// Sequence numbers with the disable bit set are rejected.
func DecodeSequence(sequence uint32) (*RelativeLocktime, error) {
	if sequence&wire.SequenceLockTimeDisabled != 0 {
		return nil, ErrTimelockDisabled
	}

	value := sequence & wire.SequenceLockTimeMask
	if value == 0 {
		return nil, fmt.Errorf("%w: value must be positive",
			ErrInvalidTimelock)
	}

	if sequence&wire.SequenceLockTimeIsSeconds != 0 {
		return &RelativeLocktime{
			Type:  LocktimeTypeSecond,
			Value: value << wire.SequenceLockTimeGranularity,
		}, nil
	}

	return &RelativeLocktime{
		Type:  LocktimeTypeBlock,
		Value: value,
	}, nil
}

// AbsoluteLocktime is a CHECKLOCKTIMEVERIFY style absolute timelock,
// interpreted as a unix timestamp when at or above the locktime threshold
// and as a block height below it.
type AbsoluteLocktime uint32

// IsSeconds returns true if the locktime is a unix timestamp rather than a
// block height.
func (l AbsoluteLocktime) IsSeconds() bool {
	return l >= txscript.LockTimeThreshold
}
