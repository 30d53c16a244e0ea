package txtree

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/vtxotree/vtxopsbt"
)

// ErrInputPrevoutMismatch is returned when the number of forfeit inputs and
// previous outputs differ.
var ErrInputPrevoutMismatch = errors.New("input and prevout count mismatch")

// BuildForfeitTx builds the transaction handing a forfeited vtxo over to
// the server: it spends the vtxo together with its batch connector and pays
// the whole amount to the server's forfeit script. The transaction is zero
// fee and carries an anchor output. A nonzero locktime marks the forfeit as
// exercisable only after a CLTV gated path matures, in which case the
// matching input's sequence must be non final.
func BuildForfeitTx(inputs []*wire.OutPoint, sequences []uint32,
	prevouts []*wire.TxOut, forfeitScript []byte,
	locktime uint32) (*psbt.Packet, error) {

	if len(inputs) == 0 {
		return nil, errors.New("missing forfeit inputs")
	}
	if len(inputs) != len(prevouts) || len(inputs) != len(sequences) {
		return nil, fmt.Errorf("%w: %d inputs, %d prevouts, %d "+
			"sequences", ErrInputPrevoutMismatch, len(inputs),
			len(prevouts), len(sequences))
	}

	packet, err := psbt.New(
		inputs, nil, treeTxVersion, locktime, sequences,
	)
	if err != nil {
		return nil, err
	}

	var amount int64
	for i, prevout := range prevouts {
		amount += prevout.Value
		packet.Inputs[i].WitnessUtxo = prevout
		packet.Inputs[i].SighashType = txscript.SigHashDefault
	}

	packet.UnsignedTx.AddTxOut(&wire.TxOut{
		Value:    amount,
		PkScript: forfeitScript,
	})
	packet.Outputs = append(packet.Outputs, psbt.POutput{})

	packet.UnsignedTx.AddTxOut(vtxopsbt.AnchorOutput())
	packet.Outputs = append(packet.Outputs, psbt.POutput{})

	return packet, nil
}
