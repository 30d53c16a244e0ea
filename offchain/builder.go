// Package offchain builds the transactions of an off-chain payment: one
// checkpoint transaction per spent vtxo, and the virtual (ark) transaction
// spending the checkpoint outputs into the receivers' scripts. The package
// only assembles unsigned packets, signing and submission belong to the
// wallet and transport layers.
package offchain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

const txVersion = 3

var (
	// ErrNoInputs is returned when building a payment without inputs.
	ErrNoInputs = errors.New("missing vtxo inputs")

	// ErrNoOutputs is returned when building a payment without outputs.
	ErrNoOutputs = errors.New("missing outputs")

	// ErrMixedLocktimeUnits is returned when the spent vtxos carry
	// absolute locktimes of different units (block height vs unix time).
	ErrMixedLocktimeUnits = errors.New("mixed absolute locktime units")
)

// VtxoInput describes one vtxo being spent off-chain: its outpoint and
// amount, the tapscript leaf it is spent through, and the full leaf set of
// its vtxo script.
type VtxoInput struct {
	Outpoint *wire.OutPoint
	Amount   int64

	// Tapscript is the merkle proof of the leaf used to spend the vtxo.
	Tapscript *vtxoscript.TaprootMerkleProof

	// RevealedTapscripts is the hex encoded leaf set of the spent vtxo's
	// script, carried along so the server can audit the spending path.
	RevealedTapscripts []string
}

// BuildTxs builds one checkpoint transaction per input plus the ark
// transaction spending every checkpoint output into the given receivers.
// Each checkpoint output is locked to a two leaf script: the collaborative
// closure derived from the spent leaf, and the server's unroll tapscript.
// Absolute locktimes of the spent leaves carry over to the ark transaction,
// which fails with ErrMixedLocktimeUnits when they disagree on units. All
// transactions are zero fee v3 packets with an anchor output.
func BuildTxs(vtxos []VtxoInput, outs []*wire.TxOut,
	serverUnrollScript []byte) (*psbt.Packet, []*psbt.Packet, error) {

	if len(vtxos) == 0 {
		return nil, nil, ErrNoInputs
	}
	if len(outs) == 0 {
		return nil, nil, ErrNoOutputs
	}

	unrollClosure, err := vtxoscript.DecodeClosure(serverUnrollScript)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid unroll tapscript: %w",
			err)
	}

	checkpointTxs := make([]*psbt.Packet, 0, len(vtxos))
	arkInputs := make([]VtxoInput, 0, len(vtxos))
	for _, vtxo := range vtxos {
		checkpointTx, arkInput, err := buildCheckpointTx(
			vtxo, unrollClosure,
		)
		if err != nil {
			return nil, nil, err
		}

		checkpointTxs = append(checkpointTxs, checkpointTx)
		arkInputs = append(arkInputs, *arkInput)
	}

	arkTx, err := buildOffchainTx(arkInputs, outs)
	if err != nil {
		return nil, nil, err
	}

	log.Debugf("built ark tx %s with %d checkpoint txs",
		arkTx.UnsignedTx.TxID(), len(checkpointTxs))

	return arkTx, checkpointTxs, nil
}

// buildCheckpointTx builds the transaction moving a vtxo into its
// checkpoint output and returns the input spending that output from the ark
// transaction.
func buildCheckpointTx(vtxo VtxoInput,
	unrollClosure vtxoscript.Closure) (*psbt.Packet, *VtxoInput, error) {

	collaborative, err := collaborativeClosure(vtxo.Tapscript.Script)
	if err != nil {
		return nil, nil, err
	}
	collaborativeScript, err := collaborative.Script()
	if err != nil {
		return nil, nil, err
	}

	checkpointScript := &vtxoscript.TapscriptsVtxoScript{
		Closures: []vtxoscript.Closure{collaborative, unrollClosure},
	}
	taprootKey, taprootTree, err := checkpointScript.TapTree()
	if err != nil {
		return nil, nil, err
	}
	checkpointPkScript, err := vtxoscript.P2TRScript(taprootKey)
	if err != nil {
		return nil, nil, err
	}

	checkpointTx, err := buildOffchainTx(
		[]VtxoInput{vtxo},
		[]*wire.TxOut{{
			Value:    vtxo.Amount,
			PkScript: checkpointPkScript,
		}},
	)
	if err != nil {
		return nil, nil, err
	}

	// The ark tx spends the checkpoint output through the collaborative
	// leaf.
	leafHash := txscript.NewBaseTapLeaf(collaborativeScript).TapHash()
	leafProof, err := taprootTree.GetTaprootMerkleProof(leafHash)
	if err != nil {
		return nil, nil, err
	}

	revealed, err := checkpointScript.Encode()
	if err != nil {
		return nil, nil, err
	}

	return checkpointTx, &VtxoInput{
		Outpoint: &wire.OutPoint{
			Hash:  checkpointTx.UnsignedTx.TxHash(),
			Index: 0,
		},
		Amount:             vtxo.Amount,
		Tapscript:          leafProof,
		RevealedTapscripts: revealed,
	}, nil
}

// collaborativeClosure derives the checkpoint spending closure from the
// closure of a spent leaf. Relative timelocks are consumed by the checkpoint
// input itself, so the CSV part is stripped. Absolute timelocks and extra
// conditions must still bind the final spend, so they carry over to the
// checkpoint leaf and are enforced again on the ark transaction.
func collaborativeClosure(
	leafScript []byte) (vtxoscript.Closure, error) {

	closure, err := vtxoscript.DecodeClosure(leafScript)
	if err != nil {
		return nil, err
	}

	switch c := closure.(type) {
	case *vtxoscript.MultisigClosure:
		return c, nil
	case *vtxoscript.CSVMultisigClosure:
		return &c.MultisigClosure, nil
	case *vtxoscript.CLTVMultisigClosure:
		return c, nil
	case *vtxoscript.ConditionMultisigClosure:
		return c, nil
	case *vtxoscript.ConditionCSVMultisigClosure:
		return &vtxoscript.ConditionMultisigClosure{
			MultisigClosure: c.MultisigClosure,
			Condition:       c.Condition,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T",
			vtxoscript.ErrUnknownTapscript, closure)
	}
}

// inputSpendingParams resolves the sequence and absolute locktime required
// to spend a leaf, from the timelocks of its closure.
func inputSpendingParams(
	leafScript []byte) (uint32, vtxoscript.AbsoluteLocktime, error) {

	closure, err := vtxoscript.DecodeClosure(leafScript)
	if err != nil {
		return 0, 0, err
	}

	switch c := closure.(type) {
	case *vtxoscript.CSVMultisigClosure:
		sequence, err := c.Locktime.Sequence()
		if err != nil {
			return 0, 0, err
		}
		return sequence, 0, nil

	case *vtxoscript.ConditionCSVMultisigClosure:
		sequence, err := c.Locktime.Sequence()
		if err != nil {
			return 0, 0, err
		}
		return sequence, 0, nil

	case *vtxoscript.CLTVMultisigClosure:
		return wire.MaxTxInSequenceNum - 1, c.Locktime, nil

	default:
		return wire.MaxTxInSequenceNum, 0, nil
	}
}

// buildOffchainTx assembles a zero fee v3 packet spending the given vtxos
// into the given outputs plus a fee anchor. Every input carries its witness
// utxo, spending leaf and revealed tapscripts.
func buildOffchainTx(ins []VtxoInput,
	outs []*wire.TxOut) (*psbt.Packet, error) {

	outpoints := make([]*wire.OutPoint, 0, len(ins))
	sequences := make([]uint32, 0, len(ins))
	witnessUtxos := make([]*wire.TxOut, 0, len(ins))

	var txLocktime vtxoscript.AbsoluteLocktime
	for _, in := range ins {
		sequence, locktime, err := inputSpendingParams(
			in.Tapscript.Script,
		)
		if err != nil {
			return nil, err
		}

		if locktime != 0 {
			if txLocktime != 0 &&
				locktime.IsSeconds() != txLocktime.IsSeconds() {

				return nil, ErrMixedLocktimeUnits
			}
			if locktime > txLocktime {
				txLocktime = locktime
			}
		}

		prevoutScript, err := spentOutputScript(in.Tapscript)
		if err != nil {
			return nil, err
		}

		outpoints = append(outpoints, in.Outpoint)
		sequences = append(sequences, sequence)
		witnessUtxos = append(witnessUtxos, &wire.TxOut{
			Value:    in.Amount,
			PkScript: prevoutScript,
		})
	}

	packet, err := psbt.New(
		outpoints, nil, txVersion, uint32(txLocktime), sequences,
	)
	if err != nil {
		return nil, err
	}

	for i, in := range ins {
		input := &packet.Inputs[i]
		input.WitnessUtxo = witnessUtxos[i]
		input.SighashType = txscript.SigHashDefault

		controlBlock, err := txscript.ParseControlBlock(
			in.Tapscript.ControlBlock,
		)
		if err != nil {
			return nil, err
		}
		input.TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
			ControlBlock: in.Tapscript.ControlBlock,
			Script:       in.Tapscript.Script,
			LeafVersion:  controlBlock.LeafVersion,
		}}

		if len(in.RevealedTapscripts) > 0 {
			vtxoScript, err := vtxoscript.ParseVtxoScript(
				in.RevealedTapscripts,
			)
			if err != nil {
				return nil, err
			}
			_, tapTree, err := vtxoScript.TapTree()
			if err != nil {
				return nil, err
			}
			err = vtxopsbt.AddTaprootTree(input, tapTree)
			if err != nil {
				return nil, err
			}
		}
	}

	for _, out := range outs {
		packet.UnsignedTx.AddTxOut(out)
		packet.Outputs = append(packet.Outputs, psbt.POutput{})
	}

	packet.UnsignedTx.AddTxOut(vtxopsbt.AnchorOutput())
	packet.Outputs = append(packet.Outputs, psbt.POutput{})

	return packet, nil
}

// spentOutputScript recomputes the taproot output script committed to by a
// leaf's control block, which is the script of the output being spent.
func spentOutputScript(
	proof *vtxoscript.TaprootMerkleProof) ([]byte, error) {

	controlBlock, err := txscript.ParseControlBlock(proof.ControlBlock)
	if err != nil {
		return nil, err
	}

	rootHash := controlBlock.RootHash(proof.Script)
	outputKey := txscript.ComputeTaprootOutputKey(
		controlBlock.InternalKey, rootHash,
	)

	return vtxoscript.P2TRScript(outputKey)
}
