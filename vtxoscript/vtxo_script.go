package vtxoscript

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/fn"
)

var (
	// ErrEmptyTapscripts is returned when building a vtxo script without
	// any tapscript leaf.
	ErrEmptyTapscripts = errors.New("empty tapscript list")

	// ErrInvalidTaprootTree is returned when a serialized taproot tree
	// cannot be decoded.
	ErrInvalidTaprootTree = errors.New("invalid taproot tree")

	// ErrTreeConstruction is returned when the assembled taproot tree
	// does not carry one merkle proof per leaf.
	ErrTreeConstruction = errors.New("taproot tree construction failed")

	// ErrLeafNotFound is returned when requesting the merkle proof of a
	// leaf that is not part of the tree.
	ErrLeafNotFound = errors.New("tapscript leaf not found")

	// ErrMissingServerKey is returned by Validate when a closure does not
	// include the server's public key.
	ErrMissingServerKey = errors.New("closure is missing server public " +
		"key")

	// ErrNoExitClosure is returned when a vtxo script has no unilateral
	// exit path.
	ErrNoExitClosure = errors.New("no exit closure found")

	// ErrExitDelayTooShort is returned by Validate when an exit closure's
	// timelock is below the minimum allowed delay.
	ErrExitDelayTooShort = errors.New("exit delay is too short")

	// ErrBlockTypeCSVNotAllowed is returned by Validate when a block
	// based relative timelock is used but only second based ones are
	// accepted.
	ErrBlockTypeCSVNotAllowed = errors.New("block type relative " +
		"timelock not allowed")
)

// TaprootMerkleProof pairs a tapscript leaf script with the serialized
// control block proving its inclusion in the taproot commitment.
type TaprootMerkleProof struct {
	ControlBlock []byte
	Script       []byte
}

// TaprootTree gives access to the leaves of an assembled taproot script
// tree and their inclusion proofs.
type TaprootTree interface {
	GetLeaves() []chainhash.Hash
	GetTaprootMerkleProof(leafHash chainhash.Hash) (*TaprootMerkleProof,
		error)
	Encode() ([]byte, error)
}

// TapscriptsVtxoScript is a vtxo script described by its full list of
// tapscript closures. Its taproot key commits to all of them under the NUMS
// internal key.
type TapscriptsVtxoScript struct {
	Closures []Closure
}

// ParseVtxoScript decodes a list of hex encoded tapscripts into a vtxo
// script. Each script must match one of the known closure templates.
func ParseVtxoScript(tapscripts []string) (*TapscriptsVtxoScript, error) {
	if len(tapscripts) == 0 {
		return nil, ErrEmptyTapscripts
	}

	closures, err := fn.MapErr(tapscripts, func(tapscript string) (
		Closure, error) {

		script, err := hex.DecodeString(tapscript)
		if err != nil {
			return nil, fmt.Errorf("invalid tapscript hex: %w",
				err)
		}

		return DecodeClosure(script)
	})
	if err != nil {
		return nil, err
	}

	log.Tracef("parsed vtxo script with %d tapscripts", len(closures))

	return &TapscriptsVtxoScript{Closures: closures}, nil
}

// Encode returns the hex encoded tapscripts of the vtxo script, in closure
// order.
func (v *TapscriptsVtxoScript) Encode() ([]string, error) {
	return fn.MapErr(v.Closures, func(closure Closure) (string, error) {
		script, err := closure.Script()
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(script), nil
	})
}

// TapTree assembles the taproot script tree from the closures and returns
// the tweaked taproot output key along with the tree itself.
func (v *TapscriptsVtxoScript) TapTree() (*btcec.PublicKey, TaprootTree,
	error) {

	if len(v.Closures) == 0 {
		return nil, nil, ErrEmptyTapscripts
	}

	leaves := make([]txscript.TapLeaf, 0, len(v.Closures))
	for _, closure := range v.Closures {
		script, err := closure.Script()
		if err != nil {
			return nil, nil, err
		}
		leaves = append(leaves, txscript.NewBaseTapLeaf(script))
	}

	tapTree := txscript.AssembleTaprootScriptTree(leaves...)
	if len(tapTree.LeafMerkleProofs) != len(leaves) {
		return nil, nil, fmt.Errorf("%w: %d proofs for %d leaves",
			ErrTreeConstruction, len(tapTree.LeafMerkleProofs),
			len(leaves))
	}

	root := tapTree.RootNode.TapHash()

	taprootKey := txscript.ComputeTaprootOutputKey(
		UnspendableKey(), root[:],
	)

	return taprootKey, &indexedTaprootTree{tapTree}, nil
}

// FindLeaf returns the merkle proof of the leaf whose tapscript matches the
// given hex encoded script, or ErrLeafNotFound if no closure encodes to it.
func (v *TapscriptsVtxoScript) FindLeaf(scriptHex string) (
	*TaprootMerkleProof, error) {

	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, fmt.Errorf("invalid tapscript hex: %w", err)
	}

	_, tapTree, err := v.TapTree()
	if err != nil {
		return nil, err
	}

	leafHash := txscript.NewBaseTapLeaf(script).TapHash()

	return tapTree.GetTaprootMerkleProof(leafHash)
}

// ExitClosures returns the closures spendable unilaterally after a relative
// timelock.
func (v *TapscriptsVtxoScript) ExitClosures() []Closure {
	return fn.Filter(v.Closures, func(closure Closure) bool {
		switch closure.(type) {
		case *CSVMultisigClosure, *ConditionCSVMultisigClosure:
			return true
		default:
			return false
		}
	})
}

// ForfeitClosures returns the collaborative closures, those without a
// relative timelock.
func (v *TapscriptsVtxoScript) ForfeitClosures() []Closure {
	return fn.Filter(v.Closures, func(closure Closure) bool {
		switch closure.(type) {
		case *MultisigClosure, *ConditionMultisigClosure,
			*CLTVMultisigClosure:

			return true
		default:
			return false
		}
	})
}

// SmallestExitDelay returns the shortest relative timelock among the exit
// closures.
func (v *TapscriptsVtxoScript) SmallestExitDelay() (*RelativeLocktime,
	error) {

	var smallest *RelativeLocktime
	for _, closure := range v.ExitClosures() {
		var locktime RelativeLocktime
		switch c := closure.(type) {
		case *CSVMultisigClosure:
			locktime = c.Locktime
		case *ConditionCSVMultisigClosure:
			locktime = c.Locktime
		}

		if smallest == nil || locktime.LessThan(*smallest) {
			locktime := locktime
			smallest = &locktime
		}
	}

	if smallest == nil {
		return nil, ErrNoExitClosure
	}

	return smallest, nil
}

// Validate checks that every closure includes the server's public key, that
// at least one unilateral exit path exists and that no exit delay is below
// minExitDelay. Block based relative timelocks are rejected unless
// allowBlockType is set.
func (v *TapscriptsVtxoScript) Validate(server *btcec.PublicKey,
	minExitDelay RelativeLocktime, allowBlockType bool) error {

	serverKey := schnorr.SerializePubKey(server)
	for _, closure := range v.Closures {
		var (
			pubKeys  []*btcec.PublicKey
			locktime *RelativeLocktime
		)
		switch c := closure.(type) {
		case *MultisigClosure:
			pubKeys = c.PubKeys
		case *CSVMultisigClosure:
			pubKeys = c.PubKeys
			locktime = &c.Locktime
		case *CLTVMultisigClosure:
			pubKeys = c.PubKeys
		case *ConditionMultisigClosure:
			pubKeys = c.PubKeys
		case *ConditionCSVMultisigClosure:
			pubKeys = c.PubKeys
			locktime = &c.Locktime
		}

		found := fn.Any(pubKeys, func(key *btcec.PublicKey) bool {
			return bytes.Equal(
				schnorr.SerializePubKey(key), serverKey,
			)
		})
		if !found {
			return ErrMissingServerKey
		}

		if locktime != nil {
			if !allowBlockType &&
				locktime.Type == LocktimeTypeBlock {

				return ErrBlockTypeCSVNotAllowed
			}
			if locktime.LessThan(minExitDelay) {
				return fmt.Errorf("%w: %d < %d",
					ErrExitDelayTooShort,
					locktime.Seconds(),
					minExitDelay.Seconds())
			}
		}
	}

	if len(v.ExitClosures()) == 0 {
		return ErrNoExitClosure
	}

	return nil
}

// indexedTaprootTree implements TaprootTree on top of btcd's indexed
// tapscript tree.
type indexedTaprootTree struct {
	tree *txscript.IndexedTapScriptTree
}

// GetLeaves returns the tap hashes of all leaves in the tree.
func (t *indexedTaprootTree) GetLeaves() []chainhash.Hash {
	leafHashes := make([]chainhash.Hash, 0, len(t.tree.LeafMerkleProofs))
	for _, proof := range t.tree.LeafMerkleProofs {
		leafHashes = append(leafHashes, proof.TapHash())
	}
	return leafHashes
}

// GetTaprootMerkleProof returns the control block and script of the leaf
// with the given tap hash.
func (t *indexedTaprootTree) GetTaprootMerkleProof(
	leafHash chainhash.Hash) (*TaprootMerkleProof, error) {

	index, ok := t.tree.LeafProofIndex[leafHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafHash)
	}
	proof := t.tree.LeafMerkleProofs[index]

	controlBlock := proof.ToControlBlock(UnspendableKey())
	controlBlockBytes, err := controlBlock.ToBytes()
	if err != nil {
		return nil, err
	}

	return &TaprootMerkleProof{
		ControlBlock: controlBlockBytes,
		Script:       proof.Script,
	}, nil
}

// Encode serializes the tree as its flat leaf list. Each leaf is encoded as
// a one byte depth, the leaf version, and the length prefixed script. The
// depth is always one since the leaf order alone is enough to reassemble
// the tree.
func (t *indexedTaprootTree) Encode() ([]byte, error) {
	var buf bytes.Buffer

	numLeaves := uint64(len(t.tree.LeafMerkleProofs))
	if err := wire.WriteVarInt(&buf, 0, numLeaves); err != nil {
		return nil, err
	}

	for _, proof := range t.tree.LeafMerkleProofs {
		if err := buf.WriteByte(1); err != nil {
			return nil, err
		}
		err := buf.WriteByte(byte(txscript.BaseLeafVersion))
		if err != nil {
			return nil, err
		}
		err = wire.WriteVarBytes(&buf, 0, proof.Script)
		if err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeTapTree deserializes a flat leaf list produced by the tree Encode
// method and reassembles the taproot script tree.
func DecodeTapTree(serialized []byte) (TaprootTree, error) {
	r := bytes.NewReader(serialized)

	numLeaves, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTaprootTree, err)
	}
	if numLeaves == 0 {
		return nil, fmt.Errorf("%w: no leaves", ErrInvalidTaprootTree)
	}

	// Each leaf takes at least three bytes on the wire, so the count can
	// never exceed the remaining input.
	if numLeaves > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: leaf count %d exceeds %d "+
			"remaining bytes", ErrInvalidTaprootTree, numLeaves,
			r.Len())
	}

	leaves := make([]txscript.TapLeaf, 0, numLeaves)
	for i := uint64(0); i < numLeaves; i++ {
		depth, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %s",
				ErrInvalidTaprootTree, err)
		}
		if depth != 1 {
			return nil, fmt.Errorf("%w: unexpected leaf depth %d",
				ErrInvalidTaprootTree, depth)
		}

		leafVersion, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %s",
				ErrInvalidTaprootTree, err)
		}
		if txscript.TapscriptLeafVersion(leafVersion) !=
			txscript.BaseLeafVersion {

			return nil, fmt.Errorf(
				"%w: unexpected leaf version %d",
				ErrInvalidTaprootTree, leafVersion,
			)
		}

		script, err := wire.ReadVarBytes(
			r, 0, txscript.MaxScriptSize, "tapscript",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s",
				ErrInvalidTaprootTree, err)
		}

		leaves = append(leaves, txscript.NewBaseTapLeaf(script))
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes",
			ErrInvalidTaprootTree)
	}

	return &indexedTaprootTree{
		txscript.AssembleTaprootScriptTree(leaves...),
	}, nil
}
