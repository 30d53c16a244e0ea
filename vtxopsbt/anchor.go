package vtxopsbt

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// AnchorScript is the pay-to-anchor (P2A) output script, OP_1 followed by
// the two byte witness program 0x4e73. Anyone can spend it, which lets any
// party fee bump a zero fee tree transaction with a child transaction.
var AnchorScript = []byte{
	txscript.OP_1, txscript.OP_DATA_2, 0x4e, 0x73,
}

// AnchorValue is the amount carried by anchor outputs.
const AnchorValue = 0

// AnchorOutput returns a fresh anchor output.
func AnchorOutput() *wire.TxOut {
	return &wire.TxOut{
		Value:    AnchorValue,
		PkScript: AnchorScript,
	}
}

// IsAnchor reports whether the output is a pay-to-anchor output.
func IsAnchor(out *wire.TxOut) bool {
	return out.Value == AnchorValue &&
		bytes.Equal(out.PkScript, AnchorScript)
}

// PrevOutFetcher builds a prevout fetcher from the witness utxos of the
// packet's inputs, as needed to compute taproot sighashes.
func PrevOutFetcher(packet *psbt.Packet) (txscript.PrevOutputFetcher,
	error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, input := range packet.Inputs {
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("missing witness utxo on "+
				"input %d", i)
		}

		outpoint := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		fetcher.AddPrevOut(outpoint, input.WitnessUtxo)
	}

	return fetcher, nil
}
