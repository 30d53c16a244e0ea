package vtxoscript

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// unspendablePoint is the BIP-341 NUMS point. No discrete logarithm is known
// for it, so using it as the taproot internal key disables the key spend
// path.
const unspendablePoint = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec9" +
	"6d547bfee9ace803ac0"

// ErrForbiddenOpcode is returned when a condition script contains a
// signature or timelock opcode.
var ErrForbiddenOpcode = errors.New("forbidden opcode in condition script")

// UnspendableKey returns the NUMS internal key used for all vtxo taproot
// outputs.
func UnspendableKey() *btcec.PublicKey {
	keyBytes, _ := hex.DecodeString(unspendablePoint)
	key, _ := btcec.ParsePubKey(keyBytes)
	return key
}

// P2TRScript returns the pay-to-taproot output script for the given tweaked
// taproot key.
func P2TRScript(taprootKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(taprootKey)).
		Script()
}

// SubDustScript returns the unspendable OP_RETURN output script carrying the
// taproot key of a vtxo whose amount is below the dust threshold.
func SubDustScript(taprootKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(schnorr.SerializePubKey(taprootKey)).
		Script()
}

// IsSubDustScript reports whether the script is an OP_RETURN sub-dust
// script.
func IsSubDustScript(script []byte) bool {
	return len(script) == 34 &&
		script[0] == txscript.OP_RETURN &&
		script[1] == txscript.OP_DATA_32
}

// forbiddenConditionOpcodes lists the opcodes a condition script must not
// contain. Signature checks belong to the multisig part of the closure and
// timelocks to the CSV/CLTV prefixes.
var forbiddenConditionOpcodes = []byte{
	txscript.OP_CHECKSIG,
	txscript.OP_CHECKSIGVERIFY,
	txscript.OP_CHECKSIGADD,
	txscript.OP_CHECKMULTISIG,
	txscript.OP_CHECKMULTISIGVERIFY,
	txscript.OP_CHECKSEQUENCEVERIFY,
	txscript.OP_CHECKLOCKTIMEVERIFY,
}

// ExecuteBoolScript evaluates a condition script against a witness and
// reports whether it left a single truthy element on the stack. Scripts
// containing signature or timelock opcodes are rejected. A script that
// terminates cleanly with a false top element returns (false, nil), while
// scripts that leave an empty or oversized stack return an error.
func ExecuteBoolScript(script []byte, witness wire.TxWitness) (bool, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		for _, op := range forbiddenConditionOpcodes {
			if tokenizer.Opcode() == op {
				return false, fmt.Errorf("%w: %s",
					ErrForbiddenOpcode,
					opcodeName(op))
			}
		}
	}
	if err := tokenizer.Err(); err != nil {
		return false, err
	}

	// The engine reports an unclean final stack with the same error code
	// as a false result, so the single element rule is enforced in the
	// script itself. A wrong depth then fails the OP_VERIFY and surfaces
	// as an error instead of a false result.
	evalScript := make([]byte, 0, len(script)+4)
	evalScript = append(evalScript, script...)
	evalScript = append(
		evalScript, txscript.OP_DEPTH, txscript.OP_1,
		txscript.OP_NUMEQUAL, txscript.OP_VERIFY,
	)

	// Evaluate the condition as a P2WSH spend, so the script must consume
	// the whole witness.
	scriptHash := sha256.Sum256(evalScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	if err != nil {
		return false, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: 0,
		},
		Witness: append(witness, evalScript),
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: []byte{txscript.OP_TRUE}})

	prevoutFetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 0)

	engine, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, prevoutFetcher), 0, prevoutFetcher,
	)
	if err != nil {
		return false, err
	}

	if err := engine.Execute(); err != nil {
		var scriptErr txscript.Error
		if errors.As(err, &scriptErr) &&
			scriptErr.ErrorCode == txscript.ErrEvalFalse {

			return false, nil
		}
		return false, err
	}

	return true, nil
}

func opcodeName(op byte) string {
	script := []byte{op}
	str, err := txscript.DisasmString(script)
	if err != nil {
		return fmt.Sprintf("0x%x", op)
	}
	return str
}

// EncodeTaprootSignature appends the sighash type byte to a schnorr
// signature when it differs from SIGHASH_DEFAULT.
func EncodeTaprootSignature(sig *schnorr.Signature,
	sigHashType txscript.SigHashType) []byte {

	serialized := sig.Serialize()
	if sigHashType == txscript.SigHashDefault {
		return serialized
	}
	return append(serialized, byte(sigHashType))
}

// IsP2TR reports whether the script is a v1 taproot output script.
func IsP2TR(script []byte) bool {
	return len(script) == 34 &&
		script[0] == txscript.OP_1 &&
		script[1] == txscript.OP_DATA_32
}

// TaprootKeyFromScript parses the taproot output key out of a v1 taproot
// output script.
func TaprootKeyFromScript(script []byte) (*btcec.PublicKey, error) {
	if !IsP2TR(script) {
		return nil, fmt.Errorf("not a taproot script: %x", script)
	}
	return schnorr.ParsePubKey(script[2:])
}
