package txtree

import (
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrScalarOutOfRange is returned when decoding a partial signature
	// whose scalar is not a canonical group element.
	ErrScalarOutOfRange = errors.New("partial signature scalar out of " +
		"range")

	// ErrMissingNonce is returned when a nonce map lacks an entry for a
	// tree node.
	ErrMissingNonce = errors.New("missing nonce for tree node")
)

// AggregateKeys aggregates the cosigner keys of a tree node into the
// taproot output key their transactions are signed under. Keys are sorted
// before aggregation, so the set's order does not matter, and the result is
// tweaked by the sweep script root.
func AggregateKeys(pubkeys []*btcec.PublicKey,
	scriptRoot []byte) (*musig2.AggregateKey, error) {

	if len(pubkeys) == 0 {
		return nil, errors.New("no public keys to aggregate")
	}

	key, _, _, err := musig2.AggregateKeys(
		pubkeys, true, musig2.WithTaprootKeyTweak(scriptRoot),
	)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// Musig2Nonce is the public half of a MuSig2 nonce pair.
type Musig2Nonce struct {
	PubNonce [66]byte
}

// TreeNonces holds one public nonce per tree node, keyed by txid.
type TreeNonces map[string]*Musig2Nonce

// Encode serializes the nonce map.
func (n TreeNonces) Encode(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(n))); err != nil {
		return err
	}

	for txid, nonce := range n {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return fmt.Errorf("invalid txid %s: %w", txid, err)
		}
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
		if _, err := w.Write(nonce.PubNonce[:]); err != nil {
			return err
		}
	}

	return nil
}

// DecodeNonces deserializes a nonce map.
func DecodeNonces(r io.Reader) (TreeNonces, error) {
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	nonces := make(TreeNonces, count)
	for i := uint64(0); i < count; i++ {
		var hash chainhash.Hash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return nil, err
		}

		nonce := &Musig2Nonce{}
		if _, err := io.ReadFull(r, nonce.PubNonce[:]); err != nil {
			return nil, err
		}

		nonces[hash.String()] = nonce
	}

	return nonces, nil
}

// TreePartialSigs holds one partial signature per tree node, keyed by txid.
type TreePartialSigs map[string]*musig2.PartialSignature

// Encode serializes the partial signature map. Each signature carries its
// combined nonce point R alongside the scalar, as both are needed to
// combine signatures.
func (s TreePartialSigs) Encode(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(s))); err != nil {
		return err
	}

	for txid, sig := range s {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return fmt.Errorf("invalid txid %s: %w", txid, err)
		}
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}

		if _, err := w.Write(sig.R.SerializeCompressed()); err != nil {
			return err
		}

		scalar := sig.S.Bytes()
		if _, err := w.Write(scalar[:]); err != nil {
			return err
		}
	}

	return nil
}

// DecodePartialSigs deserializes a partial signature map, rejecting
// non-canonical scalars.
func DecodePartialSigs(r io.Reader) (TreePartialSigs, error) {
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	sigs := make(TreePartialSigs, count)
	for i := uint64(0); i < count; i++ {
		var hash chainhash.Hash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return nil, err
		}

		var noncePoint [33]byte
		if _, err := io.ReadFull(r, noncePoint[:]); err != nil {
			return nil, err
		}
		combinedNonce, err := btcec.ParsePubKey(noncePoint[:])
		if err != nil {
			return nil, fmt.Errorf("invalid nonce point: %w", err)
		}

		var scalarBytes [32]byte
		if _, err := io.ReadFull(r, scalarBytes[:]); err != nil {
			return nil, err
		}

		var scalar btcec.ModNScalar
		if overflow := scalar.SetBytes(&scalarBytes); overflow == 1 {
			return nil, fmt.Errorf("%w: node %s",
				ErrScalarOutOfRange, hash.String())
		}

		sigs[hash.String()] = &musig2.PartialSignature{
			S: &scalar,
			R: combinedNonce,
		}
	}

	return sigs, nil
}
