package reconciler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// l1HeaderSize is the fixed serialized block header length.
const l1HeaderSize = 80

// P2PKH script layout: OP_DUP OP_HASH160 <20-byte push> OP_EQUALVERIFY OP_CHECKSIG.
const (
	p2pkhScriptLen = 25
	opDup          = 0x76
	opHash160      = 0xa9
	opData20       = 0x14
	opEqualVerify  = 0x88
	opCheckSig     = 0xac
)

// L1Block is one decoded raw block payload.
type L1Block struct {
	Header L1Header
	// HeightKnown is false when the coinbase script carries no parseable
	// height; such blocks are not persisted.
	HeightKnown bool
	Txs         []L1Tx
}

// L1Tx is one decoded transaction. Only P2PKH outputs are retained.
type L1Tx struct {
	Hash    string
	Outputs []L1Output
}

// L1Output is a P2PKH output paying Value satoshis to Hash160.
type L1Output struct {
	Value   uint64
	Hash160 [20]byte
}

// ParseL1Block decodes a raw block: an 80-byte header followed by a VarInt
// transaction count and legacy (non-witness) transactions. The block and
// transaction hashes come out in the reversed display order nodes report.
func ParseL1Block(raw []byte) (*L1Block, error) {
	if len(raw) < l1HeaderSize {
		return nil, fmt.Errorf("block payload is %d bytes, want at least %d", len(raw), l1HeaderSize)
	}

	var prev, merkle chainhash.Hash
	copy(prev[:], raw[4:36])
	copy(merkle[:], raw[36:68])

	block := &L1Block{
		Header: L1Header{
			Hash:       chainhash.DoubleHashH(raw[:l1HeaderSize]).String(),
			Version:    int32(binary.LittleEndian.Uint32(raw[0:4])),
			PrevHash:   prev.String(),
			MerkleRoot: merkle.String(),
			Timestamp:  binary.LittleEndian.Uint32(raw[68:72]),
			Bits:       binary.LittleEndian.Uint32(raw[72:76]),
			Nonce:      binary.LittleEndian.Uint32(raw[76:80]),
			SizeBytes:  len(raw),
		},
	}

	r := bytes.NewReader(raw[l1HeaderSize:])
	txCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("read tx count: %w", err)
	}

	for i := uint64(0); i < txCount; i++ {
		start := parseOffset(r)
		tx, coinbaseScript, err := parseL1Tx(r)
		if err != nil {
			return nil, fmt.Errorf("decode tx %d: %w", i, err)
		}
		end := parseOffset(r)

		body := raw[l1HeaderSize+start : l1HeaderSize+end]
		tx.Hash = chainhash.DoubleHashH(body).String()
		block.Txs = append(block.Txs, tx)

		if i == 0 {
			if height, ok := coinbaseHeight(coinbaseScript); ok {
				block.Header.Height = height
				block.HeightKnown = true
			}
		}
	}

	return block, nil
}

func parseOffset(r *bytes.Reader) int64 {
	return r.Size() - int64(r.Len())
}

// skipBytes advances past n bytes, erroring instead of seeking beyond the
// payload so transaction spans stay accurate.
func skipBytes(r *bytes.Reader, n uint64) error {
	if uint64(r.Len()) < n {
		return io.ErrUnexpectedEOF
	}
	_, err := r.Seek(int64(n), io.SeekCurrent)
	return err
}

// parseL1Tx decodes one legacy transaction, returning the first input's
// script so the caller can extract the coinbase height.
func parseL1Tx(r *bytes.Reader) (L1Tx, []byte, error) {
	var tx L1Tx

	if err := skipBytes(r, 4); err != nil { // version
		return tx, nil, fmt.Errorf("skip version: %w", err)
	}

	vinCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return tx, nil, fmt.Errorf("read input count: %w", err)
	}

	var firstScript []byte
	for in := uint64(0); in < vinCount; in++ {
		if err := skipBytes(r, 36); err != nil { // prev hash + output index
			return tx, nil, fmt.Errorf("skip outpoint: %w", err)
		}
		scriptLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return tx, nil, fmt.Errorf("read input script length: %w", err)
		}
		if in == 0 {
			if uint64(r.Len()) < scriptLen {
				return tx, nil, io.ErrUnexpectedEOF
			}
			firstScript = make([]byte, scriptLen)
			if _, err := io.ReadFull(r, firstScript); err != nil {
				return tx, nil, fmt.Errorf("read coinbase script: %w", err)
			}
		} else if err := skipBytes(r, scriptLen); err != nil {
			return tx, nil, fmt.Errorf("skip input script: %w", err)
		}
		if err := skipBytes(r, 4); err != nil { // sequence
			return tx, nil, fmt.Errorf("skip sequence: %w", err)
		}
	}

	voutCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return tx, nil, fmt.Errorf("read output count: %w", err)
	}

	var valueBuf [8]byte
	for out := uint64(0); out < voutCount; out++ {
		if _, err := io.ReadFull(r, valueBuf[:]); err != nil {
			return tx, nil, fmt.Errorf("read output value: %w", err)
		}
		value := binary.LittleEndian.Uint64(valueBuf[:])

		scriptLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return tx, nil, fmt.Errorf("read output script length: %w", err)
		}
		if scriptLen == p2pkhScriptLen {
			var script [p2pkhScriptLen]byte
			if _, err := io.ReadFull(r, script[:]); err != nil {
				return tx, nil, fmt.Errorf("read output script: %w", err)
			}
			if isP2PKH(script[:]) {
				var h [20]byte
				copy(h[:], script[3:23])
				tx.Outputs = append(tx.Outputs, L1Output{Value: value, Hash160: h})
			}
		} else if err := skipBytes(r, scriptLen); err != nil {
			return tx, nil, fmt.Errorf("skip output script: %w", err)
		}
	}

	if err := skipBytes(r, 4); err != nil { // locktime
		return tx, nil, fmt.Errorf("skip locktime: %w", err)
	}

	return tx, firstScript, nil
}

func isP2PKH(script []byte) bool {
	return len(script) == p2pkhScriptLen &&
		script[0] == opDup && script[1] == opHash160 && script[2] == opData20 &&
		script[23] == opEqualVerify && script[24] == opCheckSig
}

// coinbaseHeight reads the BIP-34 height from a coinbase script: the first
// push, interpreted little-endian.
func coinbaseHeight(script []byte) (uint64, bool) {
	if len(script) == 0 {
		return 0, false
	}
	n := int(script[0])
	if n < 1 || n > 8 || len(script) < 1+n {
		return 0, false
	}
	var height uint64
	for i := 0; i < n; i++ {
		height |= uint64(script[1+i]) << (8 * i)
	}
	return height, true
}
