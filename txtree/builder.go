package txtree

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/fn"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

// treeTxVersion is the version of every tree transaction. Version 3
// transactions must be zero fee and are fee bumped through their anchor
// output.
const treeTxVersion = 3

// Leaf describes one output the settlement tree must terminate in.
type Leaf struct {
	// Amount is the output value in satoshis.
	Amount uint64

	// Script is the hex encoded output script.
	Script string

	// CosignersPublicKeys are the hex encoded compressed public keys of
	// the parties cosigning the branch leading to this leaf.
	CosignersPublicKeys []string
}

// ErrNoLeafReceivers is returned when building a tree without leaves.
var ErrNoLeafReceivers = errors.New("no leaves to build tree for")

func parseCosignerKeys(keys []string) ([]*btcec.PublicKey, error) {
	return fn.MapErr(keys, func(keyHex string) (*btcec.PublicKey, error) {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid cosigner key: %w",
				err)
		}
		key, err := btcec.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid cosigner key: %w",
				err)
		}
		return key, nil
	})
}

// cosignerUnion collects the distinct cosigner keys of a leaf set, in first
// appearance order.
func cosignerUnion(leaves []Leaf) ([]*btcec.PublicKey, error) {
	seen := make(map[string]struct{})
	var union []string
	for _, leaf := range leaves {
		for _, keyHex := range leaf.CosignersPublicKeys {
			if _, ok := seen[keyHex]; ok {
				continue
			}
			seen[keyHex] = struct{}{}
			union = append(union, keyHex)
		}
	}

	if len(union) == 0 {
		return nil, ErrMissingCosigners
	}

	return parseCosignerKeys(union)
}

func leavesAmount(leaves []Leaf) int64 {
	return fn.Reduce(leaves, func(amount int64, leaf Leaf) int64 {
		return amount + int64(leaf.Amount)
	})
}

// sharedOutputScript computes the taproot script locking a branch's shared
// output to the aggregate key of its cosigners, tweaked by the sweep
// closure's tapscript root.
func sharedOutputScript(leaves []Leaf,
	sweepTapTreeRoot []byte) ([]byte, error) {

	cosigners, err := cosignerUnion(leaves)
	if err != nil {
		return nil, err
	}

	aggregateKey, err := AggregateKeys(cosigners, sweepTapTreeRoot)
	if err != nil {
		return nil, err
	}

	return vtxoscript.P2TRScript(aggregateKey.FinalKey)
}

// BuildBatchOutput returns the output script and amount of the commitment
// transaction output funding the settlement tree for the given receivers.
func BuildBatchOutput(receivers []Leaf,
	sweepTapTreeRoot []byte) ([]byte, int64, error) {

	if len(receivers) == 0 {
		return nil, 0, ErrNoLeafReceivers
	}

	pkScript, err := sharedOutputScript(receivers, sweepTapTreeRoot)
	if err != nil {
		return nil, 0, err
	}

	return pkScript, leavesAmount(receivers), nil
}

// BuildVtxoTree builds the unsigned settlement tree splitting the batch
// output into one output per receiver. The tree is binary: each node splits
// its input into at most two branches, each locked to the aggregate key of
// the cosigners beneath it. Every node carries its cosigner set and the
// batch expiry as proprietary input fields, and an anchor output for fee
// bumping.
func BuildVtxoTree(initialOutpoint *wire.OutPoint, receivers []Leaf,
	sweepTapTreeRoot []byte,
	vtxoTreeExpiry vtxoscript.RelativeLocktime) (*TxTree, error) {

	if len(receivers) == 0 {
		return nil, ErrNoLeafReceivers
	}

	tree, err := buildTreeNode(
		initialOutpoint, receivers, sweepTapTreeRoot,
		&vtxoTreeExpiry,
	)
	if err != nil {
		return nil, err
	}

	log.Debugf("built vtxo tree with %d nodes for %d receivers, total %v",
		tree.Count(), len(receivers),
		btcutil.Amount(leavesAmount(receivers)))

	return tree, nil
}

// buildTreeNode creates the transaction spending the given outpoint and
// splitting it over the leaf set, recursing into both halves.
func buildTreeNode(outpoint *wire.OutPoint, leaves []Leaf,
	sweepTapTreeRoot []byte,
	expiry *vtxoscript.RelativeLocktime) (*TxTree, error) {

	packet, err := psbt.New(
		[]*wire.OutPoint{outpoint},
		nil, treeTxVersion, 0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	cosigners, err := cosignerUnion(leaves)
	if err != nil {
		return nil, err
	}
	err = vtxopsbt.AddCosignerKeys(&packet.Inputs[0], cosigners)
	if err != nil {
		return nil, err
	}
	if expiry != nil {
		err = vtxopsbt.AddVtxoTreeExpiry(&packet.Inputs[0], *expiry)
		if err != nil {
			return nil, err
		}
	}

	tree := &TxTree{
		Root:     packet,
		Children: make(map[uint32]*TxTree),
	}

	if len(leaves) == 1 {
		leaf := leaves[0]
		pkScript, err := hex.DecodeString(leaf.Script)
		if err != nil {
			return nil, fmt.Errorf("invalid leaf script: %w",
				err)
		}
		packet.UnsignedTx.AddTxOut(&wire.TxOut{
			Value:    int64(leaf.Amount),
			PkScript: pkScript,
		})
		packet.Outputs = append(packet.Outputs, psbt.POutput{})

		packet.UnsignedTx.AddTxOut(vtxopsbt.AnchorOutput())
		packet.Outputs = append(packet.Outputs, psbt.POutput{})

		return tree, nil
	}

	// Split the leaf set in half and fund each branch with a shared
	// output locked to the branch's aggregate key.
	halves := [][]Leaf{
		leaves[:(len(leaves)+1)/2], leaves[(len(leaves)+1)/2:],
	}
	for _, half := range halves {
		pkScript, err := sharedOutputScript(half, sweepTapTreeRoot)
		if err != nil {
			return nil, err
		}
		packet.UnsignedTx.AddTxOut(&wire.TxOut{
			Value:    leavesAmount(half),
			PkScript: pkScript,
		})
		packet.Outputs = append(packet.Outputs, psbt.POutput{})
	}

	packet.UnsignedTx.AddTxOut(vtxopsbt.AnchorOutput())
	packet.Outputs = append(packet.Outputs, psbt.POutput{})

	txHash := packet.UnsignedTx.TxHash()
	for i, half := range halves {
		child, err := buildTreeNode(
			&wire.OutPoint{Hash: txHash, Index: uint32(i)},
			half, sweepTapTreeRoot, expiry,
		)
		if err != nil {
			return nil, err
		}
		tree.Children[uint32(i)] = child
	}

	return tree, nil
}

// BuildConnectorOutput returns the output script and amount of the
// settlement transaction output funding the connector tree. All connector
// leaves share one output script.
func BuildConnectorOutput(leaves []Leaf) ([]byte, int64, error) {
	if len(leaves) == 0 {
		return nil, 0, ErrNoLeafReceivers
	}

	for _, leaf := range leaves[1:] {
		if leaf.Script != leaves[0].Script {
			return nil, 0, errors.New("connector leaves must " +
				"share one script")
		}
	}

	pkScript, err := hex.DecodeString(leaves[0].Script)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid connector script: %w",
			err)
	}

	return pkScript, leavesAmount(leaves), nil
}

// BuildConnectorTree builds the unsigned connector tree splitting the
// connector output into one dust connector per forfeited vtxo. Connector
// transactions are pre-signed by the server alone, so nodes carry no
// cosigner metadata.
func BuildConnectorTree(initialOutpoint *wire.OutPoint,
	leaves []Leaf) (*TxTree, error) {

	if len(leaves) == 0 {
		return nil, ErrNoLeafReceivers
	}

	return buildConnectorNode(initialOutpoint, leaves)
}

func buildConnectorNode(outpoint *wire.OutPoint,
	leaves []Leaf) (*TxTree, error) {

	packet, err := psbt.New(
		[]*wire.OutPoint{outpoint},
		nil, treeTxVersion, 0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	tree := &TxTree{
		Root:     packet,
		Children: make(map[uint32]*TxTree),
	}

	if len(leaves) == 1 {
		pkScript, err := hex.DecodeString(leaves[0].Script)
		if err != nil {
			return nil, fmt.Errorf("invalid connector script: "+
				"%w", err)
		}
		packet.UnsignedTx.AddTxOut(&wire.TxOut{
			Value:    int64(leaves[0].Amount),
			PkScript: pkScript,
		})
		packet.Outputs = append(packet.Outputs, psbt.POutput{})

		packet.UnsignedTx.AddTxOut(vtxopsbt.AnchorOutput())
		packet.Outputs = append(packet.Outputs, psbt.POutput{})

		return tree, nil
	}

	halves := [][]Leaf{
		leaves[:(len(leaves)+1)/2], leaves[(len(leaves)+1)/2:],
	}
	for _, half := range halves {
		pkScript, _, err := BuildConnectorOutput(half)
		if err != nil {
			return nil, err
		}
		packet.UnsignedTx.AddTxOut(&wire.TxOut{
			Value:    leavesAmount(half),
			PkScript: pkScript,
		})
		packet.Outputs = append(packet.Outputs, psbt.POutput{})
	}

	packet.UnsignedTx.AddTxOut(vtxopsbt.AnchorOutput())
	packet.Outputs = append(packet.Outputs, psbt.POutput{})

	txHash := packet.UnsignedTx.TxHash()
	for i, half := range halves {
		child, err := buildConnectorNode(
			&wire.OutPoint{Hash: txHash, Index: uint32(i)}, half,
		)
		if err != nil {
			return nil, err
		}
		tree.Children[uint32(i)] = child
	}

	return tree, nil
}
