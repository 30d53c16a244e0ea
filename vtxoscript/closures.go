package vtxoscript

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrEmptyScript is returned when trying to decode a zero length
	// script.
	ErrEmptyScript = errors.New("empty script")

	// ErrScriptNotCanonical is returned when a script matches a closure
	// template but re-encoding the decoded parameters does not reproduce
	// the input byte for byte. Scripts with non-minimal pushes fall into
	// this category.
	ErrScriptNotCanonical = errors.New("script is not in canonical form")

	// ErrUnknownTapscript is returned by DecodeClosure when a script
	// matches none of the known closure templates.
	ErrUnknownTapscript = errors.New("unknown tapscript format")

	// ErrNoPubKeys is returned when building a closure script without any
	// public key.
	ErrNoPubKeys = errors.New("missing public keys")

	// ErrMissingSignature is returned when assembling a witness and no
	// signature is available for one of the closure's keys.
	ErrMissingSignature = errors.New("missing signature")

	// ErrMissingConditionWitness is returned when assembling a condition
	// closure witness without the serialized condition witness argument.
	ErrMissingConditionWitness = errors.New("missing condition witness")
)

// ConditionWitnessKey indexes the serialized condition witness in the
// arguments map passed to the Witness method of the condition closures.
const ConditionWitnessKey = "condition"

// schnorrSigSize is the size of a BIP-340 signature with the default sighash
// type.
const schnorrSigSize = 64

// MultisigType selects between the two supported n-of-n script skeletons.
type MultisigType int

const (
	// MultisigTypeChecksig chains CHECKSIGVERIFY operators and terminates
	// with a single CHECKSIG.
	MultisigTypeChecksig MultisigType = iota

	// MultisigTypeChecksigAdd accumulates signature checks with
	// CHECKSIGADD and compares the sum against the number of keys.
	MultisigTypeChecksigAdd
)

// Closure is a single spending condition committed to as a tapscript leaf.
//
// Script returns the canonical serialization of the closure. Decode is its
// inverse: it reports whether the script matches the closure's template and
// fills in the parameters on success. A script that matches the template
// structurally but is not the canonical re-encoding of its parameters fails
// with ErrScriptNotCanonical.
type Closure interface {
	Script() ([]byte, error)
	Decode(script []byte) (bool, error)
	WitnessSize(conditionWitnessSizes ...int) int
	Witness(controlBlock []byte, args map[string][]byte) (wire.TxWitness,
		error)
}

// DecodeClosure attempts to decode the script against all known closure
// templates, returning the first match. The attempt order is fixed:
// multisig, CSV multisig, condition CSV multisig, condition multisig, CLTV
// multisig.
func DecodeClosure(script []byte) (Closure, error) {
	if len(script) == 0 {
		return nil, ErrEmptyScript
	}

	closures := []Closure{
		&MultisigClosure{},
		&CSVMultisigClosure{},
		&ConditionCSVMultisigClosure{},
		&ConditionMultisigClosure{},
		&CLTVMultisigClosure{},
	}

	for _, closure := range closures {
		valid, err := closure.Decode(script)
		if err != nil {
			continue
		}
		if valid {
			return closure, nil
		}
	}

	return nil, fmt.Errorf("%w: %x", ErrUnknownTapscript, script)
}

// scriptInstruction is a single parsed script token, carrying the opcode,
// the pushed data (nil for non-push opcodes) and the byte offsets of the
// token within the script.
type scriptInstruction struct {
	opcode byte
	data   []byte
	start  int32
	end    int32
}

// parseScriptInstructions tokenizes the script, failing on malformed pushes.
func parseScriptInstructions(script []byte) ([]scriptInstruction, error) {
	var instructions []scriptInstruction

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	start := int32(0)
	for tokenizer.Next() {
		instructions = append(instructions, scriptInstruction{
			opcode: tokenizer.Opcode(),
			data:   tokenizer.Data(),
			start:  start,
			end:    tokenizer.ByteIndex(),
		})
		start = tokenizer.ByteIndex()
	}
	if err := tokenizer.Err(); err != nil {
		return nil, err
	}

	return instructions, nil
}

// instructionScriptNum interprets a parsed instruction as a script number,
// accepting both the small integer opcodes and data pushes of at most five
// bytes. Minimality is not enforced here, the canonical re-encoding check of
// the caller takes care of that.
func instructionScriptNum(ins scriptInstruction) (int64, bool) {
	switch {
	case ins.opcode == txscript.OP_0:
		return 0, true

	case ins.opcode >= txscript.OP_1 && ins.opcode <= txscript.OP_16:
		return int64(ins.opcode-txscript.OP_1) + 1, true

	case len(ins.data) > 0 && len(ins.data) <= 5:
		num, err := txscript.MakeScriptNum(ins.data, false, 5)
		if err != nil {
			return 0, false
		}
		return int64(num), true

	default:
		return 0, false
	}
}

// decodeMultisigInstructions matches the two multisig skeletons against a
// parsed instruction stream, returning the keys and the skeleton type.
func decodeMultisigInstructions(
	instructions []scriptInstruction) ([]*btcec.PublicKey, MultisigType,
	bool) {

	if len(instructions) < 2 {
		return nil, 0, false
	}

	lastOp := instructions[len(instructions)-1].opcode
	switch lastOp {
	case txscript.OP_CHECKSIG:
		// Alternation of 32 byte key pushes and CHECKSIGVERIFY,
		// terminated by a final key push and CHECKSIG.
		if len(instructions)%2 != 0 {
			return nil, 0, false
		}

		keys := make([]*btcec.PublicKey, 0, len(instructions)/2)
		for i := 0; i < len(instructions); i += 2 {
			keyIns, opIns := instructions[i], instructions[i+1]
			if keyIns.opcode != txscript.OP_DATA_32 {
				return nil, 0, false
			}

			wantOp := byte(txscript.OP_CHECKSIGVERIFY)
			if i == len(instructions)-2 {
				wantOp = txscript.OP_CHECKSIG
			}
			if opIns.opcode != wantOp {
				return nil, 0, false
			}

			key, err := schnorr.ParsePubKey(keyIns.data)
			if err != nil {
				return nil, 0, false
			}
			keys = append(keys, key)
		}

		return keys, MultisigTypeChecksig, true

	case txscript.OP_NUMEQUAL:
		// Key pushes interleaved with CHECKSIG then CHECKSIGADD,
		// followed by the expected count and NUMEQUAL.
		if len(instructions) < 4 || len(instructions)%2 != 0 {
			return nil, 0, false
		}

		numKeys := (len(instructions) - 2) / 2
		keys := make([]*btcec.PublicKey, 0, numKeys)
		for i := 0; i < numKeys*2; i += 2 {
			keyIns, opIns := instructions[i], instructions[i+1]
			if keyIns.opcode != txscript.OP_DATA_32 {
				return nil, 0, false
			}

			wantOp := byte(txscript.OP_CHECKSIGADD)
			if i == 0 {
				wantOp = txscript.OP_CHECKSIG
			}
			if opIns.opcode != wantOp {
				return nil, 0, false
			}

			key, err := schnorr.ParsePubKey(keyIns.data)
			if err != nil {
				return nil, 0, false
			}
			keys = append(keys, key)
		}

		count, ok := instructionScriptNum(
			instructions[len(instructions)-2],
		)
		if !ok || count != int64(numKeys) {
			return nil, 0, false
		}

		return keys, MultisigTypeChecksigAdd, true

	default:
		return nil, 0, false
	}
}

// MultisigClosure is an n-of-n multisig spending condition. All keys must
// sign.
type MultisigClosure struct {
	PubKeys []*btcec.PublicKey
	Type    MultisigType
}

// Script returns the canonical multisig script for the closure's keys.
func (f *MultisigClosure) Script() ([]byte, error) {
	if len(f.PubKeys) == 0 {
		return nil, ErrNoPubKeys
	}

	builder := txscript.NewScriptBuilder()
	switch f.Type {
	case MultisigTypeChecksigAdd:
		builder.AddData(schnorr.SerializePubKey(f.PubKeys[0]))
		builder.AddOp(txscript.OP_CHECKSIG)
		for _, key := range f.PubKeys[1:] {
			builder.AddData(schnorr.SerializePubKey(key))
			builder.AddOp(txscript.OP_CHECKSIGADD)
		}
		builder.AddInt64(int64(len(f.PubKeys)))
		builder.AddOp(txscript.OP_NUMEQUAL)

	default:
		for i, key := range f.PubKeys {
			builder.AddData(schnorr.SerializePubKey(key))
			if i == len(f.PubKeys)-1 {
				builder.AddOp(txscript.OP_CHECKSIG)
			} else {
				builder.AddOp(txscript.OP_CHECKSIGVERIFY)
			}
		}
	}

	return builder.Script()
}

// Decode matches the script against both multisig skeletons.
func (f *MultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, ErrEmptyScript
	}

	instructions, err := parseScriptInstructions(script)
	if err != nil {
		return false, nil
	}

	keys, msigType, ok := decodeMultisigInstructions(instructions)
	if !ok {
		return false, nil
	}

	f.PubKeys = keys
	f.Type = msigType

	rebuilt, err := f.Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, fmt.Errorf("%w: multisig script %x",
			ErrScriptNotCanonical, script)
	}

	return true, nil
}

// WitnessSize returns the expected witness weight: one signature per key.
func (f *MultisigClosure) WitnessSize(_ ...int) int {
	return schnorrSigSize * len(f.PubKeys)
}

// Witness assembles the witness stack for a multisig spend. Signatures are
// keyed by the hex encoded x-only public key and pushed in reverse key
// order, matching the script's verification order.
func (f *MultisigClosure) Witness(controlBlock []byte,
	args map[string][]byte) (wire.TxWitness, error) {

	script, err := f.Script()
	if err != nil {
		return nil, err
	}

	return multisigWitness(script, controlBlock, f.PubKeys, args, nil)
}

func multisigWitness(script, controlBlock []byte,
	pubKeys []*btcec.PublicKey, args map[string][]byte,
	conditionWitness wire.TxWitness) (wire.TxWitness, error) {

	witness := make(wire.TxWitness, 0,
		len(pubKeys)+len(conditionWitness)+2)

	for i := len(pubKeys) - 1; i >= 0; i-- {
		keyHex := hex.EncodeToString(
			schnorr.SerializePubKey(pubKeys[i]),
		)
		sig, ok := args[keyHex]
		if !ok {
			return nil, fmt.Errorf("%w: key %s",
				ErrMissingSignature, keyHex)
		}
		witness = append(witness, sig)
	}

	witness = append(witness, conditionWitness...)

	return append(witness, script, controlBlock), nil
}

// CSVMultisigClosure is a multisig spending condition gated by a BIP-68
// relative timelock.
type CSVMultisigClosure struct {
	MultisigClosure
	Locktime RelativeLocktime
}

// Script returns the canonical script: the minimally encoded sequence
// number, CHECKSEQUENCEVERIFY, DROP, followed by the multisig skeleton.
func (f *CSVMultisigClosure) Script() ([]byte, error) {
	sequence, err := f.Locktime.Sequence()
	if err != nil {
		return nil, err
	}

	multisigScript, err := f.MultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	csvScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(sequence)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		Script()
	if err != nil {
		return nil, err
	}

	return append(csvScript, multisigScript...), nil
}

// Decode matches a CSV prefixed multisig script.
func (f *CSVMultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, ErrEmptyScript
	}

	instructions, err := parseScriptInstructions(script)
	if err != nil {
		return false, nil
	}
	if len(instructions) < 5 {
		return false, nil
	}

	if instructions[1].opcode != txscript.OP_CHECKSEQUENCEVERIFY ||
		instructions[2].opcode != txscript.OP_DROP {

		return false, nil
	}

	sequence, ok := instructionScriptNum(instructions[0])
	if !ok || sequence <= 0 || sequence > 0xffffffff {
		return false, nil
	}

	locktime, err := DecodeSequence(uint32(sequence))
	if err != nil {
		return false, nil
	}

	keys, msigType, ok := decodeMultisigInstructions(instructions[3:])
	if !ok {
		return false, nil
	}

	f.PubKeys = keys
	f.Type = msigType
	f.Locktime = *locktime

	rebuilt, err := f.Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, fmt.Errorf("%w: csv multisig script %x",
			ErrScriptNotCanonical, script)
	}

	return true, nil
}

// Witness assembles the witness stack for a CSV multisig spend.
func (f *CSVMultisigClosure) Witness(controlBlock []byte,
	args map[string][]byte) (wire.TxWitness, error) {

	script, err := f.Script()
	if err != nil {
		return nil, err
	}

	return multisigWitness(script, controlBlock, f.PubKeys, args, nil)
}

// CLTVMultisigClosure is a multisig spending condition gated by an absolute
// CHECKLOCKTIMEVERIFY timelock.
type CLTVMultisigClosure struct {
	MultisigClosure
	Locktime AbsoluteLocktime
}

// Script returns the canonical script: the minimally encoded locktime,
// CHECKLOCKTIMEVERIFY, DROP, followed by the multisig skeleton.
func (f *CLTVMultisigClosure) Script() ([]byte, error) {
	if f.Locktime == 0 {
		return nil, fmt.Errorf("%w: value must be positive",
			ErrInvalidTimelock)
	}

	multisigScript, err := f.MultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	cltvScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(f.Locktime)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		Script()
	if err != nil {
		return nil, err
	}

	return append(cltvScript, multisigScript...), nil
}

// Decode matches a CLTV prefixed multisig script.
func (f *CLTVMultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, ErrEmptyScript
	}

	instructions, err := parseScriptInstructions(script)
	if err != nil {
		return false, nil
	}
	if len(instructions) < 5 {
		return false, nil
	}

	if instructions[1].opcode != txscript.OP_CHECKLOCKTIMEVERIFY ||
		instructions[2].opcode != txscript.OP_DROP {

		return false, nil
	}

	locktime, ok := instructionScriptNum(instructions[0])
	if !ok || locktime <= 0 || locktime > 0xffffffff {
		return false, nil
	}

	keys, msigType, ok := decodeMultisigInstructions(instructions[3:])
	if !ok {
		return false, nil
	}

	f.PubKeys = keys
	f.Type = msigType
	f.Locktime = AbsoluteLocktime(locktime)

	rebuilt, err := f.Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, fmt.Errorf("%w: cltv multisig script %x",
			ErrScriptNotCanonical, script)
	}

	return true, nil
}

// Witness assembles the witness stack for a CLTV multisig spend.
func (f *CLTVMultisigClosure) Witness(controlBlock []byte,
	args map[string][]byte) (wire.TxWitness, error) {

	script, err := f.Script()
	if err != nil {
		return nil, err
	}

	return multisigWitness(script, controlBlock, f.PubKeys, args, nil)
}

// splitCondition locates the last VERIFY opcode in the script and splits it
// into the condition prefix and the remainder following the VERIFY.
func splitCondition(script []byte) (condition, rest []byte, ok bool) {
	instructions, err := parseScriptInstructions(script)
	if err != nil {
		return nil, nil, false
	}

	for i := len(instructions) - 1; i >= 0; i-- {
		if instructions[i].opcode == txscript.OP_VERIFY {
			return script[:instructions[i].start],
				script[instructions[i].end:], true
		}
	}

	return nil, nil, false
}

// ConditionMultisigClosure prefixes a multisig spending condition with an
// arbitrary boolean condition script terminated by VERIFY.
type ConditionMultisigClosure struct {
	MultisigClosure
	Condition []byte
}

// Script returns the canonical script: the condition bytes, VERIFY, then the
// multisig skeleton.
func (f *ConditionMultisigClosure) Script() ([]byte, error) {
	if len(f.Condition) == 0 {
		return nil, fmt.Errorf("missing condition script")
	}
	if _, err := parseScriptInstructions(f.Condition); err != nil {
		return nil, fmt.Errorf("invalid condition script: %w", err)
	}

	multisigScript, err := f.MultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	script := make([]byte, 0, len(f.Condition)+1+len(multisigScript))
	script = append(script, f.Condition...)
	script = append(script, txscript.OP_VERIFY)

	return append(script, multisigScript...), nil
}

// Decode matches a condition prefixed multisig script. The split point is
// the last VERIFY opcode in the instruction stream.
func (f *ConditionMultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, ErrEmptyScript
	}

	condition, rest, ok := splitCondition(script)
	if !ok || len(condition) == 0 || len(rest) == 0 {
		return false, nil
	}

	instructions, err := parseScriptInstructions(rest)
	if err != nil {
		return false, nil
	}
	keys, msigType, ok := decodeMultisigInstructions(instructions)
	if !ok {
		return false, nil
	}

	f.PubKeys = keys
	f.Type = msigType
	f.Condition = condition

	rebuilt, err := f.Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, fmt.Errorf("%w: condition multisig script %x",
			ErrScriptNotCanonical, script)
	}

	return true, nil
}

// WitnessSize returns the aggregate witness weight, including the caller
// provided sizes of the condition witness elements.
func (f *ConditionMultisigClosure) WitnessSize(
	conditionWitnessSizes ...int) int {

	size := f.MultisigClosure.WitnessSize()
	for _, s := range conditionWitnessSizes {
		size += s
	}
	return size
}

// Witness assembles the witness stack for a condition multisig spend. The
// serialized condition witness is read from args under ConditionWitnessKey
// and its elements are pushed between the signatures and the script.
func (f *ConditionMultisigClosure) Witness(controlBlock []byte,
	args map[string][]byte) (wire.TxWitness, error) {

	conditionWitness, err := conditionWitnessFromArgs(args)
	if err != nil {
		return nil, err
	}

	script, err := f.Script()
	if err != nil {
		return nil, err
	}

	return multisigWitness(
		script, controlBlock, f.PubKeys, args, conditionWitness,
	)
}

// ConditionCSVMultisigClosure prefixes a CSV multisig spending condition
// with an arbitrary boolean condition script terminated by VERIFY.
type ConditionCSVMultisigClosure struct {
	CSVMultisigClosure
	Condition []byte
}

// Script returns the canonical script: the condition bytes, VERIFY, then the
// full CSV multisig skeleton.
func (f *ConditionCSVMultisigClosure) Script() ([]byte, error) {
	if len(f.Condition) == 0 {
		return nil, fmt.Errorf("missing condition script")
	}
	if _, err := parseScriptInstructions(f.Condition); err != nil {
		return nil, fmt.Errorf("invalid condition script: %w", err)
	}

	csvScript, err := f.CSVMultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	script := make([]byte, 0, len(f.Condition)+1+len(csvScript))
	script = append(script, f.Condition...)
	script = append(script, txscript.OP_VERIFY)

	return append(script, csvScript...), nil
}

// Decode matches a condition prefixed CSV multisig script.
func (f *ConditionCSVMultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, ErrEmptyScript
	}

	condition, rest, ok := splitCondition(script)
	if !ok || len(condition) == 0 || len(rest) == 0 {
		return false, nil
	}

	csv := CSVMultisigClosure{}
	valid, err := csv.Decode(rest)
	if err != nil || !valid {
		return false, nil
	}

	f.CSVMultisigClosure = csv
	f.Condition = condition

	rebuilt, err := f.Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, fmt.Errorf(
			"%w: condition csv multisig script %x",
			ErrScriptNotCanonical, script,
		)
	}

	return true, nil
}

// WitnessSize returns the aggregate witness weight, including the caller
// provided sizes of the condition witness elements.
func (f *ConditionCSVMultisigClosure) WitnessSize(
	conditionWitnessSizes ...int) int {

	size := f.MultisigClosure.WitnessSize()
	for _, s := range conditionWitnessSizes {
		size += s
	}
	return size
}

// Witness assembles the witness stack for a condition CSV multisig spend.
func (f *ConditionCSVMultisigClosure) Witness(controlBlock []byte,
	args map[string][]byte) (wire.TxWitness, error) {

	conditionWitness, err := conditionWitnessFromArgs(args)
	if err != nil {
		return nil, err
	}

	script, err := f.Script()
	if err != nil {
		return nil, err
	}

	return multisigWitness(
		script, controlBlock, f.PubKeys, args, conditionWitness,
	)
}

func conditionWitnessFromArgs(
	args map[string][]byte) (wire.TxWitness, error) {

	serialized, ok := args[ConditionWitnessKey]
	if !ok {
		return nil, ErrMissingConditionWitness
	}

	witness, err := readTxWitness(serialized)
	if err != nil {
		return nil, fmt.Errorf("invalid condition witness: %w", err)
	}

	return witness, nil
}

// readTxWitness deserializes a witness stack encoded with
// psbt.WriteTxWitness.
func readTxWitness(serialized []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(serialized)

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	// Every element carries at least a length byte, so the count is
	// bounded by the remaining input.
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("witness element count %d exceeds "+
			"%d remaining bytes", count, r.Len())
	}

	witness := make(wire.TxWitness, count)
	for i := uint64(0); i < count; i++ {
		element, err := wire.ReadVarBytes(
			r, 0, txscript.MaxScriptSize, "witness element",
		)
		if err != nil {
			return nil, err
		}
		witness[i] = element
	}

	return witness, nil
}
