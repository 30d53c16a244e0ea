// Package txtree implements the settlement transaction tree of a batch: a
// rooted tree of pre-signed transactions splitting one shared commitment
// output into individual vtxos. The package covers reconstruction from the
// flat wire representation, structural and value conservation validation,
// tree construction, and the cooperative MuSig2 signing of every node.
package txtree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	// ErrEmptyTree is returned when reconstructing a tree from an empty
	// flat list.
	ErrEmptyTree = errors.New("empty tx tree")

	// ErrNoRoot is returned when no node of the flat list qualifies as
	// the root.
	ErrNoRoot = errors.New("no root found")

	// ErrMultipleRoots is returned when more than one node is never
	// referenced as a child.
	ErrMultipleRoots = errors.New("multiple roots found")

	// ErrDanglingChild is returned when a node references a child txid
	// that is not part of the flat list.
	ErrDanglingChild = errors.New("dangling child reference")

	// ErrNodeCountMismatch is returned when the reconstructed tree does
	// not contain every node of the flat list.
	ErrNodeCountMismatch = errors.New("node count mismatch")

	// ErrWrongInputCount is returned by Validate when a node does not
	// have exactly one input.
	ErrWrongInputCount = errors.New("node must have exactly one input")

	// ErrTooManyChildren is returned by Validate when a node references
	// a child at an output index it does not have.
	ErrTooManyChildren = errors.New("child output index out of range")

	// ErrChildParentLinkMismatch is returned by Validate when a child's
	// input does not spend the parent output it is registered under.
	ErrChildParentLinkMismatch = errors.New("child does not spend " +
		"parent output")

	// ErrValueConservation is returned by Validate when the outputs of a
	// child do not sum to the parent output funding it.
	ErrValueConservation = errors.New("child outputs do not match " +
		"parent output amount")
)

// TxTreeNode is the wire representation of a single tree node: the
// transaction, its id, and the ids of the children spending each of its
// outputs.
type TxTreeNode struct {
	Txid string

	// Tx is the base64 encoded partial transaction.
	Tx string

	// Children maps an output index to the txid of the child spending
	// it.
	Children map[uint32]string
}

// FlatTxTree is the unordered flat list of nodes a tree is exchanged as.
type FlatTxTree []TxTreeNode

// TxTree is a reconstructed settlement tree. Each subtree is itself a
// TxTree rooted at one of the batch transactions.
type TxTree struct {
	Root *psbt.Packet

	// Children maps an output index of Root to the subtree spending it.
	Children map[uint32]*TxTree
}

// NewTxTree reconstructs a tree from its flat representation. The root is
// the unique node never referenced as a child. Every node of the flat list
// must be reachable from it.
func NewTxTree(flatTree FlatTxTree) (*TxTree, error) {
	if len(flatTree) == 0 {
		return nil, ErrEmptyTree
	}

	nodes := make(map[string]TxTreeNode, len(flatTree))
	referenced := make(map[string]struct{})
	for _, node := range flatTree {
		nodes[node.Txid] = node
		for _, childTxid := range node.Children {
			referenced[childTxid] = struct{}{}
		}
	}

	var rootTxid string
	for _, node := range flatTree {
		if _, ok := referenced[node.Txid]; ok {
			continue
		}
		if rootTxid != "" {
			return nil, fmt.Errorf("%w: %s and %s",
				ErrMultipleRoots, rootTxid, node.Txid)
		}
		rootTxid = node.Txid
	}
	if rootTxid == "" {
		return nil, ErrNoRoot
	}

	visited := make(map[string]struct{}, len(nodes))
	tree, err := buildSubTree(nodes, visited, rootTxid)
	if err != nil {
		return nil, err
	}
	if len(visited) != len(nodes) {
		return nil, fmt.Errorf("%w: built %d nodes, expected %d",
			ErrNodeCountMismatch, len(visited), len(nodes))
	}

	log.Tracef("reconstructed tx tree rooted at %s: %s", rootTxid,
		limitSpewer.Sdump(flatTree))

	return tree, nil
}

func buildSubTree(nodes map[string]TxTreeNode, visited map[string]struct{},
	txid string) (*TxTree, error) {

	node, ok := nodes[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDanglingChild, txid)
	}

	if _, ok := visited[txid]; ok {
		return nil, fmt.Errorf("%w: %s visited twice",
			ErrNodeCountMismatch, txid)
	}
	visited[txid] = struct{}{}

	packet, err := psbt.NewFromRawBytes(strings.NewReader(node.Tx), true)
	if err != nil {
		return nil, fmt.Errorf("invalid tx %s: %w", txid, err)
	}

	tree := &TxTree{
		Root:     packet,
		Children: make(map[uint32]*TxTree),
	}

	for outputIndex, childTxid := range node.Children {
		child, err := buildSubTree(nodes, visited, childTxid)
		if err != nil {
			return nil, err
		}
		tree.Children[outputIndex] = child
	}

	return tree, nil
}

// Txid returns the transaction id of the subtree's root.
func (t *TxTree) Txid() string {
	return t.Root.UnsignedTx.TxID()
}

// Validate checks the structural invariants of the tree: every node spends
// exactly one parent output, a node has at most one child per non-anchor
// output, each registered child spends the output it is registered under,
// and the outputs of every child sum to the amount of the parent output
// funding it.
func (t *TxTree) Validate() error {
	txid := t.Txid()

	if len(t.Root.UnsignedTx.TxIn) != 1 {
		return fmt.Errorf("%w: node %s has %d inputs",
			ErrWrongInputCount, txid,
			len(t.Root.UnsignedTx.TxIn))
	}

	// One output is reserved for the anchor, so a node can fund at most
	// one child per remaining output.
	if len(t.Children) > len(t.Root.UnsignedTx.TxOut)-1 {
		return fmt.Errorf("%w: node %s has %d children for %d "+
			"outputs", ErrTooManyChildren, txid, len(t.Children),
			len(t.Root.UnsignedTx.TxOut))
	}

	for outputIndex, child := range t.Children {
		if int(outputIndex) >= len(t.Root.UnsignedTx.TxOut) {
			return fmt.Errorf("%w: node %s has no output %d",
				ErrTooManyChildren, txid, outputIndex)
		}

		childInput := child.Root.UnsignedTx.TxIn[0]
		if childInput.PreviousOutPoint.Hash.String() != txid ||
			childInput.PreviousOutPoint.Index != outputIndex {

			return fmt.Errorf("%w: node %s, output %d, child %s",
				ErrChildParentLinkMismatch, txid, outputIndex,
				child.Txid())
		}

		parentAmount := t.Root.UnsignedTx.TxOut[outputIndex].Value
		var childAmount int64
		for _, out := range child.Root.UnsignedTx.TxOut {
			childAmount += out.Value
		}
		if childAmount != parentAmount {
			return fmt.Errorf("%w: node %s output %d has %d "+
				"sats, child %s outputs sum to %d sats",
				ErrValueConservation, txid, outputIndex,
				parentAmount, child.Txid(), childAmount)
		}

		if err := child.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Leaves returns the root transactions of all childless subtrees, in
// pre-order.
func (t *TxTree) Leaves() []*psbt.Packet {
	if len(t.Children) == 0 {
		return []*psbt.Packet{t.Root}
	}

	var leaves []*psbt.Packet
	for _, outputIndex := range t.sortedChildIndexes() {
		leaves = append(
			leaves, t.Children[outputIndex].Leaves()...,
		)
	}
	return leaves
}

// sortedChildIndexes returns the output indexes with children, ascending.
func (t *TxTree) sortedChildIndexes() []uint32 {
	indexes := maps.Keys(t.Children)
	slices.Sort(indexes)
	return indexes
}

// Apply runs fn on every subtree in pre-order, visiting children in
// ascending output index order. Returning false from fn stops the descent
// into that subtree's children, returning an error aborts the whole walk.
func (t *TxTree) Apply(fn func(tree *TxTree) (bool, error)) error {
	descend, err := fn(t)
	if err != nil {
		return err
	}
	if !descend {
		return nil
	}

	for _, outputIndex := range t.sortedChildIndexes() {
		if err := t.Children[outputIndex].Apply(fn); err != nil {
			return err
		}
	}

	return nil
}

// Find returns the subtree rooted at the given txid, or nil.
func (t *TxTree) Find(txid string) *TxTree {
	if t.Txid() == txid {
		return t
	}

	for _, outputIndex := range t.sortedChildIndexes() {
		child := t.Children[outputIndex]
		if found := child.Find(txid); found != nil {
			return found
		}
	}

	return nil
}

// ErrNodeNotFound is returned by Update when no node matches the txid.
var ErrNodeNotFound = errors.New("node not found")

// Update applies the mutator to the transaction of the node with the given
// txid.
func (t *TxTree) Update(txid string,
	mutator func(packet *psbt.Packet) error) error {

	node := t.Find(txid)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, txid)
	}

	return mutator(node.Root)
}

// Count returns the number of nodes in the tree.
func (t *TxTree) Count() int {
	count := 1
	for _, child := range t.Children {
		count += child.Count()
	}
	return count
}

// Serialize flattens the tree back into its wire representation.
func (t *TxTree) Serialize() (FlatTxTree, error) {
	var flatTree FlatTxTree
	if err := t.Apply(func(tree *TxTree) (bool, error) {
		encoded, err := tree.Root.B64Encode()
		if err != nil {
			return false, err
		}

		children := make(map[uint32]string, len(tree.Children))
		for outputIndex, child := range tree.Children {
			children[outputIndex] = child.Txid()
		}

		flatTree = append(flatTree, TxTreeNode{
			Txid:     tree.Txid(),
			Tx:       encoded,
			Children: children,
		})
		return true, nil
	}); err != nil {
		return nil, err
	}

	return flatTree, nil
}
