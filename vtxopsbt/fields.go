// Package vtxopsbt defines the proprietary PSBT input fields carried on
// settlement and offchain transactions: cosigner public keys, tree expiry
// and condition witnesses, plus the serialized taproot tree of a spent vtxo.
package vtxopsbt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

// PsbtKeyType tags every proprietary input field written by this package.
// The byte is followed by a string prefix naming the field.
const PsbtKeyType = 222

const (
	cosignerPrefix  = "cosigner"
	expiryPrefix    = "expiry"
	tapTreePrefix   = "taptree"
	conditionPrefix = "condition"
)

var (
	// ErrNoCosignerKeys is returned when an input has no cosigner key
	// fields.
	ErrNoCosignerKeys = errors.New("no cosigner keys found in input")

	// ErrDuplicateField is returned when adding a field that is already
	// present on the input.
	ErrDuplicateField = errors.New("duplicate psbt field")
)

func fieldKey(prefix string, suffix ...byte) []byte {
	key := make([]byte, 0, 1+len(prefix)+len(suffix))
	key = append(key, PsbtKeyType)
	key = append(key, prefix...)
	return append(key, suffix...)
}

func findField(in *psbt.PInput, key []byte) []byte {
	for _, unknown := range in.Unknowns {
		if bytes.Equal(unknown.Key, key) {
			return unknown.Value
		}
	}
	return nil
}

// AddCosignerKeys attaches the MuSig2 cosigner set to the input, one field
// per key, distinguished by a one byte index suffix.
func AddCosignerKeys(in *psbt.PInput, keys []*btcec.PublicKey) error {
	if len(keys) > 0xff {
		return fmt.Errorf("too many cosigner keys: %d", len(keys))
	}

	for i, key := range keys {
		cosignerKey := fieldKey(cosignerPrefix, byte(i))
		if findField(in, cosignerKey) != nil {
			return fmt.Errorf("%w: cosigner %d",
				ErrDuplicateField, i)
		}

		in.Unknowns = append(in.Unknowns, &psbt.Unknown{
			Key:   cosignerKey,
			Value: key.SerializeCompressed(),
		})
	}

	return nil
}

// GetCosignerKeys reads the cosigner set back from the input, in index
// order.
func GetCosignerKeys(in *psbt.PInput) ([]*btcec.PublicKey, error) {
	prefix := fieldKey(cosignerPrefix)

	type indexedKey struct {
		index byte
		key   *btcec.PublicKey
	}
	var found []indexedKey
	for _, unknown := range in.Unknowns {
		if len(unknown.Key) != len(prefix)+1 ||
			!bytes.HasPrefix(unknown.Key, prefix) {

			continue
		}

		key, err := btcec.ParsePubKey(unknown.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid cosigner key: %w",
				err)
		}
		found = append(found, indexedKey{
			index: unknown.Key[len(prefix)],
			key:   key,
		})
	}

	if len(found) == 0 {
		return nil, ErrNoCosignerKeys
	}

	keys := make([]*btcec.PublicKey, len(found))
	for _, entry := range found {
		if int(entry.index) >= len(found) ||
			keys[entry.index] != nil {

			return nil, fmt.Errorf("invalid cosigner key "+
				"index %d", entry.index)
		}
		keys[entry.index] = entry.key
	}

	return keys, nil
}

// AddVtxoTreeExpiry attaches the batch expiry to the input as its BIP-68
// sequence encoding.
func AddVtxoTreeExpiry(in *psbt.PInput,
	expiry vtxoscript.RelativeLocktime) error {

	sequence, err := expiry.Sequence()
	if err != nil {
		return err
	}

	key := fieldKey(expiryPrefix)
	if findField(in, key) != nil {
		return fmt.Errorf("%w: expiry", ErrDuplicateField)
	}

	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, sequence)
	in.Unknowns = append(in.Unknowns, &psbt.Unknown{
		Key:   key,
		Value: value,
	})

	return nil
}

// GetVtxoTreeExpiry reads the batch expiry from the input, or returns nil
// when the field is absent.
func GetVtxoTreeExpiry(in *psbt.PInput) (*vtxoscript.RelativeLocktime,
	error) {

	value := findField(in, fieldKey(expiryPrefix))
	if value == nil {
		return nil, nil
	}
	if len(value) != 4 {
		return nil, fmt.Errorf("invalid expiry field length %d",
			len(value))
	}

	return vtxoscript.DecodeSequence(binary.LittleEndian.Uint32(value))
}

// AddTaprootTree attaches the serialized taproot tree of the spent vtxo to
// the input.
func AddTaprootTree(in *psbt.PInput, tree vtxoscript.TaprootTree) error {
	key := fieldKey(tapTreePrefix)
	if findField(in, key) != nil {
		return fmt.Errorf("%w: taptree", ErrDuplicateField)
	}

	serialized, err := tree.Encode()
	if err != nil {
		return err
	}

	in.Unknowns = append(in.Unknowns, &psbt.Unknown{
		Key:   key,
		Value: serialized,
	})

	return nil
}

// GetTaprootTree reads the taproot tree of the spent vtxo back from the
// input, or returns nil when the field is absent.
func GetTaprootTree(in *psbt.PInput) (vtxoscript.TaprootTree, error) {
	value := findField(in, fieldKey(tapTreePrefix))
	if value == nil {
		return nil, nil
	}

	return vtxoscript.DecodeTapTree(value)
}

// AddConditionWitness attaches the serialized witness satisfying a
// condition closure to the input.
func AddConditionWitness(in *psbt.PInput, witness wire.TxWitness) error {
	key := fieldKey(conditionPrefix)
	if findField(in, key) != nil {
		return fmt.Errorf("%w: condition witness",
			ErrDuplicateField)
	}

	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return err
	}

	in.Unknowns = append(in.Unknowns, &psbt.Unknown{
		Key:   key,
		Value: buf.Bytes(),
	})

	return nil
}

// GetConditionWitness reads the condition witness from the input, or
// returns an empty witness when the field is absent.
func GetConditionWitness(in *psbt.PInput) (wire.TxWitness, error) {
	value := findField(in, fieldKey(conditionPrefix))
	if value == nil {
		return wire.TxWitness{}, nil
	}

	return ReadTxWitness(value)
}

// SanitizeForBroadcast strips every proprietary field written by this
// package from the packet's inputs. Final transactions carry none of the
// protocol metadata.
func SanitizeForBroadcast(packet *psbt.Packet) {
	for i := range packet.Inputs {
		in := &packet.Inputs[i]

		kept := in.Unknowns[:0]
		for _, unknown := range in.Unknowns {
			if len(unknown.Key) > 0 &&
				unknown.Key[0] == PsbtKeyType {

				continue
			}
			kept = append(kept, unknown)
		}
		in.Unknowns = kept
	}
}

// ReadTxWitness deserializes a witness stack encoded with
// psbt.WriteTxWitness.
func ReadTxWitness(serialized []byte) (wire.TxWitness, error) {
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
