package vtxoscript

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestRelativeLocktimeSequence checks the BIP-68 encoding of relative
// timelocks in both directions.
func TestRelativeLocktimeSequence(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		locktime RelativeLocktime
		sequence uint32
		err      error
	}{
		{
			name: "512 seconds",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: 512,
			},
			sequence: wire.SequenceLockTimeIsSeconds | 1,
		},
		{
			name: "1024 seconds",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: 1024,
			},
			sequence: wire.SequenceLockTimeIsSeconds | 2,
		},
		{
			name: "max seconds",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: SequenceSecondsMax,
			},
			sequence: wire.SequenceLockTimeIsSeconds |
				wire.SequenceLockTimeMask,
		},
		{
			name: "seconds not multiple of 512",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: 513,
			},
			err: ErrInvalidTimelock,
		},
		{
			name: "seconds overflow",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: SequenceSecondsMax + 512,
			},
			err: ErrInvalidTimelock,
		},
		{
			name: "144 blocks",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeBlock,
				Value: 144,
			},
			sequence: 144,
		},
		{
			name: "max blocks",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeBlock,
				Value: SequenceBlocksMax,
			},
			sequence: wire.SequenceLockTimeMask,
		},
		{
			name: "blocks overflow",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeBlock,
				Value: SequenceBlocksMax + 1,
			},
			err: ErrInvalidTimelock,
		},
		{
			name: "zero value",
			locktime: RelativeLocktime{
				Type: LocktimeTypeBlock,
			},
			err: ErrInvalidTimelock,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sequence, err := tc.locktime.Sequence()
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.sequence, sequence)

			decoded, err := DecodeSequence(sequence)
			require.NoError(t, err)
			require.Equal(t, tc.locktime, *decoded)
		})
	}
}

// TestDecodeSequenceRejectsDisabled checks that sequences with the disable
// bit set or a zero value are not valid timelocks.
func TestDecodeSequenceRejectsDisabled(t *testing.T) {
	t.Parallel()

	_, err := DecodeSequence(wire.SequenceLockTimeDisabled | 144)
	require.ErrorIs(t, err, ErrTimelockDisabled)

	_, err = DecodeSequence(0)
	require.ErrorIs(t, err, ErrInvalidTimelock)

	_, err = DecodeSequence(wire.SequenceLockTimeIsSeconds)
	require.ErrorIs(t, err, ErrInvalidTimelock)
}

// TestRelativeLocktimeLessThan checks the cross type comparison that
// converts block counts to an equivalent duration.
func TestRelativeLocktimeLessThan(t *testing.T) {
	t.Parallel()

	blocks := RelativeLocktime{Type: LocktimeTypeBlock, Value: 6}
	seconds := RelativeLocktime{Type: LocktimeTypeSecond, Value: 4096}

	// Six blocks is one hour, 4096 seconds is longer.
	require.True(t, blocks.LessThan(seconds))
	require.False(t, seconds.LessThan(blocks))
	require.False(t, blocks.LessThan(blocks))
}

// TestAbsoluteLocktimeIsSeconds checks the height/time threshold.
func TestAbsoluteLocktimeIsSeconds(t *testing.T) {
	t.Parallel()

	require.False(t, AbsoluteLocktime(800000).IsSeconds())
	require.False(t, AbsoluteLocktime(499999999).IsSeconds())
	require.True(t, AbsoluteLocktime(500000000).IsSeconds())
	require.True(t, AbsoluteLocktime(1727000000).IsSeconds())
}
