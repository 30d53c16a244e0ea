package txtree

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/internal/test"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
	"github.com/lightninglabs/vtxotree/vtxoscript"
	"github.com/stretchr/testify/require"
)

// testCommitmentTx builds a commitment transaction with a batch output and
// a connector output, and returns it along with the vtxo tree spending the
// batch output.
func testCommitmentTx(t *testing.T, receivers []Leaf,
	sweepRoot []byte) (*psbt.Packet, *TxTree) {

	t.Helper()

	batchScript, batchAmount, err := BuildBatchOutput(
		receivers, sweepRoot,
	)
	require.NoError(t, err)

	connectorScript, err := vtxoscript.P2TRScript(test.RandPubKey(t))
	require.NoError(t, err)

	commitmentTx, err := psbt.New(
		[]*wire.OutPoint{{Hash: [32]byte{9}, Index: 0}},
		[]*wire.TxOut{
			{Value: batchAmount, PkScript: batchScript},
			{Value: 1000, PkScript: connectorScript},
		},
		treeTxVersion, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)

	tree, err := BuildVtxoTree(
		&wire.OutPoint{
			Hash:  commitmentTx.UnsignedTx.TxHash(),
			Index: BatchOutputIndex,
		},
		receivers, sweepRoot, testExpiry,
	)
	require.NoError(t, err)

	return commitmentTx, tree
}

// TestValidateVtxoTree checks the full settlement tree validation against
// its commitment transaction.
func TestValidateVtxoTree(t *testing.T) {
	t.Parallel()

	alice := test.RandPrivKey(t)
	server := test.RandPrivKey(t)
	sweepRoot := testSweepRoot(t, server)
	receivers := testReceivers(
		t, []uint64{1000, 2000}, alice, server,
	)

	commitmentTx, tree := testCommitmentTx(t, receivers, sweepRoot)

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, ValidateVtxoTree(
			tree, commitmentTx, BatchOutputIndex, sweepRoot,
		))
	})

	t.Run("invalid commitment outputs", func(t *testing.T) {
		err := ValidateVtxoTree(tree, commitmentTx, 10, sweepRoot)
		require.ErrorIs(t, err, ErrInvalidCommitmentOutputs)
	})

	t.Run("wrong commitment reference", func(t *testing.T) {
		otherTx, _ := testCommitmentTx(t, receivers, sweepRoot)
		otherTx.UnsignedTx.TxOut[0].Value = 3000

		err := ValidateVtxoTree(
			tree, otherTx, BatchOutputIndex, sweepRoot,
		)
		require.ErrorIs(t, err, ErrWrongCommitmentReference)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		short, shortTree := testCommitmentTx(
			t, receivers, sweepRoot,
		)
		short.UnsignedTx.TxOut[0].Value++

		// The tree root still spends the original outpoint, rebuild
		// it against the modified tx.
		shortTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint =
			wire.OutPoint{
				Hash:  short.UnsignedTx.TxHash(),
				Index: BatchOutputIndex,
			}

		err := ValidateVtxoTree(
			shortTree, short, BatchOutputIndex, sweepRoot,
		)
		require.ErrorIs(t, err, ErrAmountMismatch)
	})

	t.Run("missing cosigners", func(t *testing.T) {
		commitment, stripped := testCommitmentTx(
			t, receivers, sweepRoot,
		)

		// Drop the cosigner fields from one child.
		stripped.Children[0].Root.Inputs[0].Unknowns = nil

		err := ValidateVtxoTree(
			stripped, commitment, BatchOutputIndex, sweepRoot,
		)
		require.ErrorIs(t, err, ErrMissingCosigners)
	})

	t.Run("cosigner binding mismatch", func(t *testing.T) {
		commitment, bound := testCommitmentTx(
			t, receivers, sweepRoot,
		)

		// Swap a child's cosigner set for a different key.
		child := bound.Children[0]
		child.Root.Inputs[0].Unknowns = nil
		err := vtxopsbt.AddCosignerKeys(
			&child.Root.Inputs[0],
			[]*btcec.PublicKey{test.RandPubKey(t)},
		)
		require.NoError(t, err)

		err = ValidateVtxoTree(
			bound, commitment, BatchOutputIndex, sweepRoot,
		)
		require.ErrorIs(t, err, ErrCosignerBindingMismatch)
	})
}

// TestValidateConnectorTree checks the one level connector graph
// validation.
func TestValidateConnectorTree(t *testing.T) {
	t.Parallel()

	connectorScript, err := vtxoscript.P2TRScript(test.RandPubKey(t))
	require.NoError(t, err)

	leaves := make([]Leaf, 4)
	for i := range leaves {
		leaves[i] = Leaf{
			Amount: 330,
			Script: hex.EncodeToString(connectorScript),
		}
	}

	outputScript, amount, err := BuildConnectorOutput(leaves)
	require.NoError(t, err)
	require.Equal(t, connectorScript, outputScript)
	require.EqualValues(t, 4*330, amount)

	settlementTx, err := psbt.New(
		[]*wire.OutPoint{{Hash: [32]byte{7}, Index: 0}},
		[]*wire.TxOut{
			{Value: 9000, PkScript: test.RandBytes(34)},
			{Value: amount, PkScript: outputScript},
		},
		treeTxVersion, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)

	connectors, err := BuildConnectorTree(
		&wire.OutPoint{
			Hash:  settlementTx.UnsignedTx.TxHash(),
			Index: ConnectorOutputIndex,
		},
		leaves,
	)
	require.NoError(t, err)
	require.Len(t, connectors.Leaves(), 4)

	require.NoError(t, ValidateConnectorTree(connectors, settlementTx))

	// A connector tree anchored to the wrong output fails.
	wrongOutpoint, err := BuildConnectorTree(
		&wire.OutPoint{
			Hash:  settlementTx.UnsignedTx.TxHash(),
			Index: 0,
		},
		leaves,
	)
	require.NoError(t, err)

	err = ValidateConnectorTree(wrongOutpoint, settlementTx)
	require.ErrorIs(t, err, ErrWrongSettlementReference)
}
