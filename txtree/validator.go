package txtree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

const (
	// BatchOutputIndex is the commitment tx output funding the vtxo
	// tree.
	BatchOutputIndex = 0

	// ConnectorOutputIndex is the commitment or settlement tx output
	// funding the connector tree.
	ConnectorOutputIndex = 1
)

var (
	// ErrInvalidCommitmentOutputs is returned when the commitment tx has
	// no spendable batch output at the expected index.
	ErrInvalidCommitmentOutputs = errors.New("invalid commitment tx " +
		"outputs")

	// ErrWrongCommitmentReference is returned when the tree root does
	// not spend the commitment tx's batch output.
	ErrWrongCommitmentReference = errors.New("root does not spend the " +
		"commitment batch output")

	// ErrAmountMismatch is returned when the root's outputs do not sum
	// to the batch output amount.
	ErrAmountMismatch = errors.New("root outputs do not match batch " +
		"output amount")

	// ErrNoLeaves is returned when the tree has no leaves.
	ErrNoLeaves = errors.New("tree has no leaves")

	// ErrMissingCosigners is returned when a tree node has no cosigner
	// keys attached.
	ErrMissingCosigners = errors.New("missing cosigner keys")

	// ErrCosignerBindingMismatch is returned when a node's cosigner set
	// does not aggregate to the key of the parent output funding it.
	ErrCosignerBindingMismatch = errors.New("cosigner set does not " +
		"match parent output key")

	// ErrWrongSettlementReference is returned when a connector tree root
	// does not spend the settlement tx's connector output.
	ErrWrongSettlementReference = errors.New("connector root does not " +
		"spend the settlement connector output")
)

// ValidateVtxoTree checks a settlement tree against the commitment
// transaction anchoring it: the root must spend the batch output and fully
// account for its amount, the tree must be structurally sound, and every
// node's cosigner set must aggregate to the taproot key of the parent
// output funding it. The aggregation is tweaked by sweepScriptRoot, the tap
// root of the server's sweep closure.
func ValidateVtxoTree(tree *TxTree, commitmentTx *psbt.Packet,
	batchOutputIndex uint32, sweepScriptRoot []byte) error {

	if commitmentTx == nil ||
		int(batchOutputIndex) >=
			len(commitmentTx.UnsignedTx.TxOut) {

		return ErrInvalidCommitmentOutputs
	}
	batchOutput := commitmentTx.UnsignedTx.TxOut[batchOutputIndex]
	if batchOutput.Value == 0 {
		return ErrInvalidCommitmentOutputs
	}

	if tree == nil {
		return ErrEmptyTree
	}

	if len(tree.Root.UnsignedTx.TxIn) != 1 {
		return fmt.Errorf("%w: root %s has %d inputs",
			ErrWrongInputCount, tree.Txid(),
			len(tree.Root.UnsignedTx.TxIn))
	}
	rootInput := tree.Root.UnsignedTx.TxIn[0]
	commitmentTxid := commitmentTx.UnsignedTx.TxID()
	if rootInput.PreviousOutPoint.Hash.String() != commitmentTxid ||
		rootInput.PreviousOutPoint.Index != batchOutputIndex {

		return fmt.Errorf("%w: root spends %s",
			ErrWrongCommitmentReference,
			rootInput.PreviousOutPoint)
	}

	var rootAmount int64
	for _, out := range tree.Root.UnsignedTx.TxOut {
		rootAmount += out.Value
	}
	if rootAmount != batchOutput.Value {
		return fmt.Errorf("%w: %d != %d", ErrAmountMismatch,
			rootAmount, batchOutput.Value)
	}

	if len(tree.Leaves()) == 0 {
		return ErrNoLeaves
	}

	if err := tree.Validate(); err != nil {
		return err
	}

	return validateCosignerBinding(tree, sweepScriptRoot)
}

// validateCosignerBinding proves, for every parent to child edge, that the
// child's declared cosigner set aggregates to the key locked in the parent
// output it spends. A coordinator cannot substitute signers after tree
// construction without breaking this binding.
func validateCosignerBinding(tree *TxTree, sweepScriptRoot []byte) error {
	return tree.Apply(func(parent *TxTree) (bool, error) {
		for _, outputIndex := range parent.sortedChildIndexes() {
			child := parent.Children[outputIndex]

			cosigners, err := vtxopsbt.GetCosignerKeys(
				&child.Root.Inputs[0],
			)
			if err != nil {
				if errors.Is(
					err, vtxopsbt.ErrNoCosignerKeys,
				) {

					return false, fmt.Errorf(
						"%w: node %s",
						ErrMissingCosigners,
						child.Txid(),
					)
				}
				return false, err
			}

			aggregateKey, err := AggregateKeys(
				cosigners, sweepScriptRoot,
			)
			if err != nil {
				return false, err
			}

			parentOutput := parent.Root.
				UnsignedTx.TxOut[outputIndex]
			if !vtxoscript.IsP2TR(parentOutput.PkScript) {
				return false, fmt.Errorf(
					"%w: output %d of %s is not "+
						"taproot",
					ErrCosignerBindingMismatch,
					outputIndex, parent.Txid(),
				)
			}
			want := schnorr.SerializePubKey(
				aggregateKey.FinalKey,
			)
			if !bytes.Equal(parentOutput.PkScript[2:], want) {
				return false, fmt.Errorf(
					"%w: node %s, output %d of %s",
					ErrCosignerBindingMismatch,
					child.Txid(), outputIndex,
					parent.Txid(),
				)
			}
		}

		return true, nil
	})
}

// ValidateConnectorTree checks the one level connector tree used for
// forfeit connector outputs: the root must have a single input spending the
// settlement transaction's connector output, and the tree must be
// structurally sound.
func ValidateConnectorTree(tree *TxTree, settlementTx *psbt.Packet) error {
	if tree == nil {
		return ErrEmptyTree
	}

	if len(tree.Root.UnsignedTx.TxIn) != 1 {
		return fmt.Errorf("%w: root %s has %d inputs",
			ErrWrongInputCount, tree.Txid(),
			len(tree.Root.UnsignedTx.TxIn))
	}

	rootInput := tree.Root.UnsignedTx.TxIn[0]
	settlementTxid := settlementTx.UnsignedTx.TxID()
	if rootInput.PreviousOutPoint.Hash.String() != settlementTxid ||
		rootInput.PreviousOutPoint.Index != ConnectorOutputIndex {

		return fmt.Errorf("%w: root spends %s",
			ErrWrongSettlementReference,
			rootInput.PreviousOutPoint)
	}

	return tree.Validate()
}
