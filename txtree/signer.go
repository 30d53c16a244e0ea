package txtree

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

var (
	// ErrTreeNotInitialized is returned when requesting nonces before
	// the session has been given a tree.
	ErrTreeNotInitialized = errors.New("tree not initialized")

	// ErrSessionNotInitialized is returned when signing before the
	// session has been fully initialized.
	ErrSessionNotInitialized = errors.New("session not initialized")

	// ErrNoncesAlreadySet is returned when the aggregated nonces are
	// assigned twice.
	ErrNoncesAlreadySet = errors.New("aggregated nonces already set")

	// ErrAlreadyInitialized is returned when a session is initialized
	// twice. Sessions are single use per batch.
	ErrAlreadyInitialized = errors.New("session already initialized")

	// ErrMissingSecretNonce is returned when signing a node the session
	// has no secret nonce for.
	ErrMissingSecretNonce = errors.New("missing secret nonce")

	// ErrMissingAggregatedNonce is returned when signing a node without
	// its aggregated public nonce.
	ErrMissingAggregatedNonce = errors.New("missing aggregated nonce")
)

// SignerSession drives one cosigner's side of the tree signing protocol:
// nonce generation, then one partial signature per tree node once the
// coordinator has shared the aggregated nonces.
type SignerSession struct {
	mtx sync.Mutex

	secretKey *btcec.PrivateKey

	tree         *TxTree
	scriptRoot   []byte
	sharedAmount int64

	myNonces         map[string]*musig2.Nonces
	aggregatedNonces TreeNonces
}

// NewSignerSession creates a bare session for the given signing key. Init
// must be called before any other method.
func NewSignerSession(secretKey *btcec.PrivateKey) *SignerSession {
	return &SignerSession{secretKey: secretKey}
}

// GetPublicKey returns the hex encoded public key the session signs with.
func (s *SignerSession) GetPublicKey() string {
	return hex.EncodeToString(s.secretKey.PubKey().SerializeCompressed())
}

// Init binds the session to the tree to sign, the sweep tapscript root
// tweaking every node's aggregate key, and the amount of the commitment
// output funding the root.
func (s *SignerSession) Init(tree *TxTree, scriptRoot []byte,
	sharedAmount int64) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.tree != nil {
		return ErrAlreadyInitialized
	}
	if tree == nil {
		return ErrTreeNotInitialized
	}

	s.tree = tree
	s.scriptRoot = scriptRoot
	s.sharedAmount = sharedAmount

	return nil
}

// GetNonces generates one fresh nonce pair per tree node on first call and
// returns the public halves. The result is memoized, repeated calls return
// the same nonces.
func (s *SignerSession) GetNonces() (TreeNonces, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.tree == nil {
		return nil, ErrTreeNotInitialized
	}

	if s.myNonces == nil {
		myNonces := make(map[string]*musig2.Nonces)
		if err := s.tree.Apply(func(tree *TxTree) (bool, error) {
			nonces, err := musig2.GenNonces(
				musig2.WithPublicKey(s.secretKey.PubKey()),
			)
			if err != nil {
				return false, err
			}

			myNonces[tree.Txid()] = nonces
			return true, nil
		}); err != nil {
			return nil, err
		}
		s.myNonces = myNonces
	}

	pubNonces := make(TreeNonces, len(s.myNonces))
	for txid, nonces := range s.myNonces {
		pubNonces[txid] = &Musig2Nonce{PubNonce: nonces.PubNonce}
	}

	return pubNonces, nil
}

// SetAggregatedNonces stores the coordinator aggregated public nonces. It
// can only be called once per session.
func (s *SignerSession) SetAggregatedNonces(nonces TreeNonces) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.aggregatedNonces != nil {
		return ErrNoncesAlreadySet
	}

	s.aggregatedNonces = nonces
	return nil
}

// Sign produces one partial signature per tree node over the taproot key
// spend sighash of the node's single input.
func (s *SignerSession) Sign() (TreePartialSigs, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.tree == nil || s.scriptRoot == nil {
		return nil, ErrSessionNotInitialized
	}
	if s.aggregatedNonces == nil {
		return nil, ErrMissingAggregatedNonce
	}

	sigs := make(TreePartialSigs)

	if err := s.tree.Apply(func(tree *TxTree) (bool, error) {
		prevout, err := nodePrevOutput(
			s.tree, tree, s.scriptRoot, s.sharedAmount,
		)
		if err != nil {
			return false, err
		}

		sig, err := s.signNode(tree, prevout)
		if err != nil {
			return false, err
		}

		sigs[tree.Txid()] = sig
		return true, nil
	}); err != nil {
		return nil, err
	}

	log.Debugf("signed %d tree nodes with key %s", len(sigs),
		s.GetPublicKey())

	return sigs, nil
}

func (s *SignerSession) signNode(tree *TxTree,
	prevout *wire.TxOut) (*musig2.PartialSignature, error) {

	txid := tree.Txid()

	myNonces, ok := s.myNonces[txid]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrMissingSecretNonce,
			txid)
	}
	aggregatedNonce, ok := s.aggregatedNonces[txid]
	if !ok {
		return nil, fmt.Errorf("%w: node %s",
			ErrMissingAggregatedNonce, txid)
	}

	cosigners, err := vtxopsbt.GetCosignerKeys(&tree.Root.Inputs[0])
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", txid, err)
	}

	message, err := nodeSigHash(tree.Root.UnsignedTx, prevout)
	if err != nil {
		return nil, err
	}

	return musig2.Sign(
		myNonces.SecNonce, s.secretKey, aggregatedNonce.PubNonce,
		cosigners, message,
		musig2.WithSortedKeys(),
		musig2.WithTaprootSignTweak(s.scriptRoot),
	)
}

// nodePrevOutput resolves the output spent by a node's single input. The
// root spends the shared commitment output, paying to the aggregate key of
// the root's cosigner set. Any other node spends one of its parent's
// outputs.
func nodePrevOutput(root, node *TxTree, scriptRoot []byte,
	sharedAmount int64) (*wire.TxOut, error) {

	if node.Txid() == root.Txid() {
		cosigners, err := vtxopsbt.GetCosignerKeys(
			&root.Root.Inputs[0],
		)
		if err != nil {
			return nil, fmt.Errorf("root node: %w", err)
		}

		aggregateKey, err := AggregateKeys(cosigners, scriptRoot)
		if err != nil {
			return nil, err
		}

		pkScript, err := vtxoscript.P2TRScript(aggregateKey.FinalKey)
		if err != nil {
			return nil, err
		}

		return &wire.TxOut{
			Value:    sharedAmount,
			PkScript: pkScript,
		}, nil
	}

	prevOutpoint := node.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	parent := root.Find(prevOutpoint.Hash.String())
	if parent == nil {
		return nil, fmt.Errorf("%w: parent of %s",
			ErrDanglingChild, node.Txid())
	}
	if int(prevOutpoint.Index) >= len(parent.Root.UnsignedTx.TxOut) {
		return nil, fmt.Errorf("%w: node %s spends output %d of %s",
			ErrTooManyChildren, node.Txid(), prevOutpoint.Index,
			parent.Txid())
	}

	return parent.Root.UnsignedTx.TxOut[prevOutpoint.Index], nil
}

// nodeSigHash computes the taproot key spend sighash of a node's single
// input.
func nodeSigHash(tx *wire.MsgTx, prevout *wire.TxOut) ([32]byte, error) {
	var message [32]byte

	prevoutFetcher := txscript.NewCannedPrevOutputFetcher(
		prevout.PkScript, prevout.Value,
	)
	sigHash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx, prevoutFetcher),
		txscript.SigHashDefault, tx, 0, prevoutFetcher,
	)
	if err != nil {
		return message, err
	}

	copy(message[:], sigHash)
	return message, nil
}
