package vtxoscript

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/internal/test"
	"github.com/stretchr/testify/require"
)

func sha256Sum(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// TestMultisigClosure checks script generation and decoding of the plain
// n-of-n multisig closure in both skeleton forms.
func TestMultisigClosure(t *testing.T) {
	t.Parallel()

	pubKey1 := test.RandPubKey(t)
	pubKey2 := test.RandPubKey(t)
	pubKey3 := test.RandPubKey(t)

	testCases := []struct {
		name    string
		closure MultisigClosure
	}{
		{
			name: "single key checksig",
			closure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{pubKey1},
			},
		},
		{
			name: "two keys checksig",
			closure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{
					pubKey1, pubKey2,
				},
			},
		},
		{
			name: "three keys checksig",
			closure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{
					pubKey1, pubKey2, pubKey3,
				},
			},
		},
		{
			name: "two keys checksigadd",
			closure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{
					pubKey1, pubKey2,
				},
				Type: MultisigTypeChecksigAdd,
			},
		},
		{
			name: "three keys checksigadd",
			closure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{
					pubKey1, pubKey2, pubKey3,
				},
				Type: MultisigTypeChecksigAdd,
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			script, err := tc.closure.Script()
			require.NoError(t, err)

			decoded := &MultisigClosure{}
			valid, err := decoded.Decode(script)
			require.NoError(t, err)
			require.True(t, valid)

			require.Equal(t, tc.closure.Type, decoded.Type)
			require.Len(
				t, decoded.PubKeys,
				len(tc.closure.PubKeys),
			)
			for i, key := range tc.closure.PubKeys {
				require.Equal(
					t, schnorr.SerializePubKey(key),
					schnorr.SerializePubKey(
						decoded.PubKeys[i],
					),
				)
			}

			require.Equal(
				t, 64*len(tc.closure.PubKeys),
				tc.closure.WitnessSize(),
			)
		})
	}
}

// TestMultisigClosureDecodeFailures checks the scripts a multisig closure
// must not accept.
func TestMultisigClosureDecodeFailures(t *testing.T) {
	t.Parallel()

	pubKey := test.RandPubKey(t)
	keyBytes := schnorr.SerializePubKey(pubKey)

	t.Run("empty script", func(t *testing.T) {
		closure := &MultisigClosure{}
		valid, err := closure.Decode(nil)
		require.ErrorIs(t, err, ErrEmptyScript)
		require.False(t, valid)
	})

	t.Run("invalid pubkey push", func(t *testing.T) {
		script, err := txscript.NewScriptBuilder().
			AddData(test.RandBytes(31)).
			AddOp(txscript.OP_CHECKSIG).
			Script()
		require.NoError(t, err)

		closure := &MultisigClosure{}
		valid, err := closure.Decode(script)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("missing checksig", func(t *testing.T) {
		script, err := txscript.NewScriptBuilder().
			AddData(keyBytes).
			Script()
		require.NoError(t, err)

		closure := &MultisigClosure{}
		valid, err := closure.Decode(script)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("wrong checksigadd count", func(t *testing.T) {
		pubKey2 := test.RandPubKey(t)
		script, err := txscript.NewScriptBuilder().
			AddData(keyBytes).
			AddOp(txscript.OP_CHECKSIG).
			AddData(schnorr.SerializePubKey(pubKey2)).
			AddOp(txscript.OP_CHECKSIGADD).
			AddInt64(3).
			AddOp(txscript.OP_NUMEQUAL).
			Script()
		require.NoError(t, err)

		closure := &MultisigClosure{}
		valid, err := closure.Decode(script)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		script, err := txscript.NewScriptBuilder().
			AddData(keyBytes).
			AddOp(txscript.OP_CHECKSIG).
			Script()
		require.NoError(t, err)
		script = append(script, txscript.OP_NOP)

		closure := &MultisigClosure{}
		valid, err := closure.Decode(script)
		require.NoError(t, err)
		require.False(t, valid)
	})
}

// TestCSVMultisigClosure checks the CSV prefixed multisig closure.
func TestCSVMultisigClosure(t *testing.T) {
	t.Parallel()

	pubKey1 := test.RandPubKey(t)
	pubKey2 := test.RandPubKey(t)

	testCases := []struct {
		name     string
		locktime RelativeLocktime
	}{
		{
			name: "512 seconds",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: 512,
			},
		},
		{
			name: "one week of seconds",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: 604672,
			},
		},
		{
			name: "144 blocks",
			locktime: RelativeLocktime{
				Type:  LocktimeTypeBlock,
				Value: 144,
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			closure := &CSVMultisigClosure{
				MultisigClosure: MultisigClosure{
					PubKeys: []*btcec.PublicKey{
						pubKey1, pubKey2,
					},
				},
				Locktime: tc.locktime,
			}

			script, err := closure.Script()
			require.NoError(t, err)

			decoded := &CSVMultisigClosure{}
			valid, err := decoded.Decode(script)
			require.NoError(t, err)
			require.True(t, valid)

			require.Equal(t, tc.locktime, decoded.Locktime)
			require.Len(t, decoded.PubKeys, 2)
		})
	}
}

// TestCSVMultisigClosureNonCanonical checks that a CSV script with a non
// minimal sequence push is rejected rather than silently normalized.
func TestCSVMultisigClosureNonCanonical(t *testing.T) {
	t.Parallel()

	pubKey := test.RandPubKey(t)

	// Encode the sequence 144 over four bytes instead of the minimal
	// two.
	var script []byte
	script = append(script, txscript.OP_DATA_4, 0x90, 0x00, 0x00, 0x00)
	script = append(
		script, txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP,
	)
	script = append(script, txscript.OP_DATA_32)
	script = append(script, schnorr.SerializePubKey(pubKey)...)
	script = append(script, txscript.OP_CHECKSIG)

	closure := &CSVMultisigClosure{}
	valid, err := closure.Decode(script)
	require.ErrorIs(t, err, ErrScriptNotCanonical)
	require.False(t, valid)
}

// TestCLTVMultisigClosure checks the absolute timelock closure with both
// height and timestamp locktimes.
func TestCLTVMultisigClosure(t *testing.T) {
	t.Parallel()

	pubKey1 := test.RandPubKey(t)
	pubKey2 := test.RandPubKey(t)

	testCases := []struct {
		name     string
		locktime AbsoluteLocktime
	}{
		{name: "block height", locktime: AbsoluteLocktime(800000)},
		{name: "timestamp", locktime: AbsoluteLocktime(1727000000)},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			closure := &CLTVMultisigClosure{
				MultisigClosure: MultisigClosure{
					PubKeys: []*btcec.PublicKey{
						pubKey1, pubKey2,
					},
					Type: MultisigTypeChecksigAdd,
				},
				Locktime: tc.locktime,
			}

			script, err := closure.Script()
			require.NoError(t, err)

			decoded := &CLTVMultisigClosure{}
			valid, err := decoded.Decode(script)
			require.NoError(t, err)
			require.True(t, valid)

			require.Equal(t, tc.locktime, decoded.Locktime)
			require.Equal(
				t, MultisigTypeChecksigAdd, decoded.Type,
			)
		})
	}

	t.Run("zero locktime", func(t *testing.T) {
		t.Parallel()

		closure := &CLTVMultisigClosure{
			MultisigClosure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{pubKey1},
			},
		}

		_, err := closure.Script()
		require.ErrorIs(t, err, ErrInvalidTimelock)
	})
}

// TestConditionMultisigClosure checks the condition prefixed closures,
// including a condition that itself contains a VERIFY opcode.
func TestConditionMultisigClosure(t *testing.T) {
	t.Parallel()

	pubKey := test.RandPubKey(t)

	preimage := test.RandBytes(32)

	hashCondition, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(sha256Sum(preimage)).
		AddOp(txscript.OP_EQUAL).
		Script()
	require.NoError(t, err)

	// A condition with an inner VERIFY, the decoder must split at the
	// last one.
	verifyCondition, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(sha256Sum(preimage)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_TRUE).
		Script()
	require.NoError(t, err)

	testCases := []struct {
		name      string
		condition []byte
	}{
		{name: "hash condition", condition: hashCondition},
		{name: "condition with inner verify",
			condition: verifyCondition},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			closure := &ConditionMultisigClosure{
				MultisigClosure: MultisigClosure{
					PubKeys: []*btcec.PublicKey{pubKey},
				},
				Condition: tc.condition,
			}

			script, err := closure.Script()
			require.NoError(t, err)

			decoded := &ConditionMultisigClosure{}
			valid, err := decoded.Decode(script)
			require.NoError(t, err)
			require.True(t, valid)
			require.Equal(t, tc.condition, decoded.Condition)
		})
	}
}

// TestConditionCSVMultisigClosure checks the condition closure combined
// with a relative timelock.
func TestConditionCSVMultisigClosure(t *testing.T) {
	t.Parallel()

	pubKey := test.RandPubKey(t)

	condition, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(sha256Sum([]byte("preimage"))).
		AddOp(txscript.OP_EQUAL).
		Script()
	require.NoError(t, err)

	closure := &ConditionCSVMultisigClosure{
		CSVMultisigClosure: CSVMultisigClosure{
			MultisigClosure: MultisigClosure{
				PubKeys: []*btcec.PublicKey{pubKey},
			},
			Locktime: RelativeLocktime{
				Type:  LocktimeTypeSecond,
				Value: 1024,
			},
		},
		Condition: condition,
	}

	script, err := closure.Script()
	require.NoError(t, err)

	decoded := &ConditionCSVMultisigClosure{}
	valid, err := decoded.Decode(script)
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, condition, decoded.Condition)
	require.Equal(t, closure.Locktime, decoded.Locktime)
}

// TestDecodeClosure checks the dispatch over all closure templates.
func TestDecodeClosure(t *testing.T) {
	t.Parallel()

	pubKey1 := test.RandPubKey(t)
	pubKey2 := test.RandPubKey(t)
	keys := []*btcec.PublicKey{pubKey1, pubKey2}

	condition, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(sha256Sum([]byte("secret"))).
		AddOp(txscript.OP_EQUAL).
		Script()
	require.NoError(t, err)

	csvLocktime := RelativeLocktime{Type: LocktimeTypeBlock, Value: 144}

	closures := []Closure{
		&MultisigClosure{PubKeys: keys},
		&CSVMultisigClosure{
			MultisigClosure: MultisigClosure{PubKeys: keys},
			Locktime:        csvLocktime,
		},
		&CLTVMultisigClosure{
			MultisigClosure: MultisigClosure{PubKeys: keys},
			Locktime:        AbsoluteLocktime(800000),
		},
		&ConditionMultisigClosure{
			MultisigClosure: MultisigClosure{PubKeys: keys},
			Condition:       condition,
		},
		&ConditionCSVMultisigClosure{
			CSVMultisigClosure: CSVMultisigClosure{
				MultisigClosure: MultisigClosure{
					PubKeys: keys,
				},
				Locktime: csvLocktime,
			},
			Condition: condition,
		},
	}

	for _, closure := range closures {
		script, err := closure.Script()
		require.NoError(t, err)

		decoded, err := DecodeClosure(script)
		require.NoError(t, err)
		require.IsType(t, closure, decoded)

		rebuilt, err := decoded.Script()
		require.NoError(t, err)
		require.Equal(t, script, rebuilt)
	}

	_, err = DecodeClosure(nil)
	require.ErrorIs(t, err, ErrEmptyScript)

	_, err = DecodeClosure([]byte{txscript.OP_NOP})
	require.ErrorIs(t, err, ErrUnknownTapscript)
}

// TestMultisigWitness checks witness stack assembly, in particular the
// reverse key order of the signatures and the condition witness placement.
func TestMultisigWitness(t *testing.T) {
	t.Parallel()

	pubKey1 := test.RandPubKey(t)
	pubKey2 := test.RandPubKey(t)
	sig1 := test.RandBytes(64)
	sig2 := test.RandBytes(64)
	controlBlock := test.RandBytes(33)

	closure := &MultisigClosure{
		PubKeys: []*btcec.PublicKey{pubKey1, pubKey2},
	}
	script, err := closure.Script()
	require.NoError(t, err)

	args := map[string][]byte{
		hex.EncodeToString(schnorr.SerializePubKey(pubKey1)): sig1,
		hex.EncodeToString(schnorr.SerializePubKey(pubKey2)): sig2,
	}

	witness, err := closure.Witness(controlBlock, args)
	require.NoError(t, err)
	require.Len(t, witness, 4)

	// Signatures come in reverse key order, then script and control
	// block.
	require.Equal(t, sig2, witness[0])
	require.Equal(t, sig1, witness[1])
	require.Equal(t, script, witness[2])
	require.Equal(t, controlBlock, witness[3])

	// A missing signature fails the assembly.
	delete(args, hex.EncodeToString(schnorr.SerializePubKey(pubKey2)))
	_, err = closure.Witness(controlBlock, args)
	require.ErrorIs(t, err, ErrMissingSignature)
}

// TestConditionMultisigWitness checks that the condition witness elements
// are inserted between the signatures and the script.
func TestConditionMultisigWitness(t *testing.T) {
	t.Parallel()

	pubKey := test.RandPubKey(t)
	sig := test.RandBytes(64)
	controlBlock := test.RandBytes(33)
	preimage := test.RandBytes(32)

	condition, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(sha256Sum(preimage)).
		AddOp(txscript.OP_EQUAL).
		Script()
	require.NoError(t, err)

	closure := &ConditionMultisigClosure{
		MultisigClosure: MultisigClosure{
			PubKeys: []*btcec.PublicKey{pubKey},
		},
		Condition: condition,
	}
	script, err := closure.Script()
	require.NoError(t, err)

	var conditionWitness bytes.Buffer
	err = psbt.WriteTxWitness(&conditionWitness, wire.TxWitness{preimage})
	require.NoError(t, err)

	args := map[string][]byte{
		hex.EncodeToString(schnorr.SerializePubKey(pubKey)): sig,
		ConditionWitnessKey: conditionWitness.Bytes(),
	}

	witness, err := closure.Witness(controlBlock, args)
	require.NoError(t, err)
	require.Len(t, witness, 4)
	require.Equal(t, sig, witness[0])
	require.Equal(t, preimage, witness[1])
	require.Equal(t, script, witness[2])
	require.Equal(t, controlBlock, witness[3])

	// A condition witness declaring a huge element count with no payload
	// is rejected before allocating.
	args[ConditionWitnessKey] = []byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
	_, err = closure.Witness(controlBlock, args)
	require.Error(t, err)

	// Without the condition witness the assembly fails.
	delete(args, ConditionWitnessKey)
	_, err = closure.Witness(controlBlock, args)
	require.ErrorIs(t, err, ErrMissingConditionWitness)

	// The closure witness size accounts for the condition elements.
	require.Equal(t, 64+32, closure.WitnessSize(32))
}
