package txtree

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

var (
	// ErrMissingNonces is returned when aggregating nonces before every
	// cosigner has submitted theirs.
	ErrMissingNonces = errors.New("missing nonces from cosigners")

	// ErrMissingSignatures is returned when combining signatures before
	// every cosigner has submitted theirs.
	ErrMissingSignatures = errors.New("missing signatures from " +
		"cosigners")

	// ErrUnsignedNode is returned by VerifyTreeSigs when a tree node has
	// no key spend signature.
	ErrUnsignedNode = errors.New("unsigned tree node")

	// ErrInvalidSignature is returned when a combined signature does not
	// verify against a node's aggregate key.
	ErrInvalidSignature = errors.New("invalid tree signature")
)

// CoordinatorSession collects nonces and partial signatures from every
// cosigner of a batch and combines them into the final key spend signatures
// of the settlement tree.
type CoordinatorSession struct {
	tree         *TxTree
	scriptRoot   []byte
	sharedAmount int64

	nonces map[string]TreeNonces
	sigs   map[string]TreePartialSigs
}

// NewCoordinatorSession creates a coordinator session for the given
// unsigned tree. The script root and shared amount must match the values
// the signer sessions were initialized with.
func NewCoordinatorSession(tree *TxTree, scriptRoot []byte,
	sharedAmount int64) (*CoordinatorSession, error) {

	if tree == nil {
		return nil, ErrTreeNotInitialized
	}

	return &CoordinatorSession{
		tree:         tree,
		scriptRoot:   scriptRoot,
		sharedAmount: sharedAmount,
		nonces:       make(map[string]TreeNonces),
		sigs:         make(map[string]TreePartialSigs),
	}, nil
}

// cosigners returns the root node's cosigner set, which every signer of the
// batch is part of.
func (c *CoordinatorSession) cosigners() ([]*btcec.PublicKey, error) {
	return vtxopsbt.GetCosignerKeys(&c.tree.Root.Inputs[0])
}

// AddNonces registers a cosigner's public nonces. The map must cover every
// node of the tree.
func (c *CoordinatorSession) AddNonces(cosigner *btcec.PublicKey,
	nonces TreeNonces) error {

	if err := c.tree.Apply(func(tree *TxTree) (bool, error) {
		if _, ok := nonces[tree.Txid()]; !ok {
			return false, fmt.Errorf("%w: node %s",
				ErrMissingNonce, tree.Txid())
		}
		return true, nil
	}); err != nil {
		return err
	}

	c.nonces[hex.EncodeToString(cosigner.SerializeCompressed())] = nonces
	return nil
}

// AggregateNonces combines the nonces of all cosigners into one aggregated
// nonce per tree node. It fails until every cosigner of the root node has
// submitted nonces.
func (c *CoordinatorSession) AggregateNonces() (TreeNonces, error) {
	cosigners, err := c.cosigners()
	if err != nil {
		return nil, err
	}

	for _, cosigner := range cosigners {
		keyHex := hex.EncodeToString(cosigner.SerializeCompressed())
		if _, ok := c.nonces[keyHex]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingNonces,
				keyHex)
		}
	}

	aggregated := make(TreeNonces)
	if err := c.tree.Apply(func(tree *TxTree) (bool, error) {
		txid := tree.Txid()

		pubNonces := make([][66]byte, 0, len(c.nonces))
		for _, nonces := range c.nonces {
			pubNonces = append(
				pubNonces, nonces[txid].PubNonce,
			)
		}

		combined, err := musig2.AggregateNonces(pubNonces)
		if err != nil {
			return false, err
		}

		aggregated[txid] = &Musig2Nonce{PubNonce: combined}
		return true, nil
	}); err != nil {
		return nil, err
	}

	return aggregated, nil
}

// AddSignatures registers a cosigner's partial signatures. The map must
// cover every node of the tree.
func (c *CoordinatorSession) AddSignatures(cosigner *btcec.PublicKey,
	sigs TreePartialSigs) error {

	if err := c.tree.Apply(func(tree *TxTree) (bool, error) {
		if _, ok := sigs[tree.Txid()]; !ok {
			return false, fmt.Errorf("%w: node %s",
				ErrMissingSignatures, tree.Txid())
		}
		return true, nil
	}); err != nil {
		return err
	}

	c.sigs[hex.EncodeToString(cosigner.SerializeCompressed())] = sigs
	return nil
}

// SignTree combines the collected partial signatures into one Schnorr
// signature per node, verifies each against the node's aggregate key, and
// attaches them to the tree's inputs as taproot key spend signatures.
func (c *CoordinatorSession) SignTree() (*TxTree, error) {
	cosigners, err := c.cosigners()
	if err != nil {
		return nil, err
	}

	for _, cosigner := range cosigners {
		keyHex := hex.EncodeToString(cosigner.SerializeCompressed())
		if _, ok := c.sigs[keyHex]; !ok {
			return nil, fmt.Errorf("%w: %s",
				ErrMissingSignatures, keyHex)
		}
	}

	if err := c.tree.Apply(func(tree *TxTree) (bool, error) {
		txid := tree.Txid()

		nodeCosigners, err := vtxopsbt.GetCosignerKeys(
			&tree.Root.Inputs[0],
		)
		if err != nil {
			return false, fmt.Errorf("node %s: %w", txid, err)
		}

		aggregateKey, err := AggregateKeys(
			nodeCosigners, c.scriptRoot,
		)
		if err != nil {
			return false, err
		}

		prevout, err := nodePrevOutput(
			c.tree, tree, c.scriptRoot, c.sharedAmount,
		)
		if err != nil {
			return false, err
		}

		message, err := nodeSigHash(tree.Root.UnsignedTx, prevout)
		if err != nil {
			return false, err
		}

		partialSigs := make(
			[]*musig2.PartialSignature, 0, len(c.sigs),
		)
		for _, sigs := range c.sigs {
			partialSigs = append(partialSigs, sigs[txid])
		}

		combined := musig2.CombineSigs(
			partialSigs[0].R, partialSigs,
			musig2.WithTaprootTweakedCombine(
				message, nodeCosigners, c.scriptRoot, true,
			),
		)

		if !combined.Verify(message[:], aggregateKey.FinalKey) {
			return false, fmt.Errorf("%w: node %s",
				ErrInvalidSignature, txid)
		}

		tree.Root.Inputs[0].TaprootKeySpendSig = combined.Serialize()
		return true, nil
	}); err != nil {
		return nil, err
	}

	log.Infof("combined tree signatures for %d nodes", c.tree.Count())

	return c.tree, nil
}

// VerifyTreeSigs checks that every node of a signed tree carries a valid
// taproot key spend signature. The root is checked against the final
// aggregate key paying the shared commitment output; every other node is
// checked against the taproot key of the parent output it spends, which is
// the aggregate key of that node's cosigner set. Any participant can run
// this on a finalized tree, no signing material is needed.
func VerifyTreeSigs(finalAggregateKey *btcec.PublicKey, sharedAmount int64,
	tree *TxTree) error {

	if tree == nil {
		return ErrTreeNotInitialized
	}

	rootPkScript, err := vtxoscript.P2TRScript(finalAggregateKey)
	if err != nil {
		return err
	}
	rootPrevout := &wire.TxOut{
		Value:    sharedAmount,
		PkScript: rootPkScript,
	}

	return tree.Apply(func(node *TxTree) (bool, error) {
		txid := node.Txid()

		sig := node.Root.Inputs[0].TaprootKeySpendSig
		if len(sig) == 0 {
			return false, fmt.Errorf("%w: %s", ErrUnsignedNode,
				txid)
		}
		signature, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false, fmt.Errorf("%w: node %s: %s",
				ErrInvalidSignature, txid, err)
		}

		prevout := rootPrevout
		if txid != tree.Txid() {
			prevOutpoint := node.Root.UnsignedTx.
				TxIn[0].PreviousOutPoint
			parent := tree.Find(prevOutpoint.Hash.String())
			if parent == nil {
				return false, fmt.Errorf("%w: parent of %s",
					ErrDanglingChild, txid)
			}
			parentOuts := parent.Root.UnsignedTx.TxOut
			if int(prevOutpoint.Index) >= len(parentOuts) {
				return false, fmt.Errorf(
					"%w: node %s spends output %d of %s",
					ErrTooManyChildren, txid,
					prevOutpoint.Index, parent.Txid(),
				)
			}
			prevout = parentOuts[prevOutpoint.Index]
		}

		taprootKey, err := vtxoscript.TaprootKeyFromScript(
			prevout.PkScript,
		)
		if err != nil {
			return false, fmt.Errorf("node %s: %w", txid, err)
		}

		message, err := nodeSigHash(node.Root.UnsignedTx, prevout)
		if err != nil {
			return false, err
		}

		if !signature.Verify(message[:], taprootKey) {
			return false, fmt.Errorf("%w: node %s",
				ErrInvalidSignature, txid)
		}

		return true, nil
	})
}
