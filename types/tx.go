package types

import (
	"errors"
	"math/big"

	"github.com/PinkDiamond1/stacks-subnets/common"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/keccak256"
)

const signatureLength = 65

var (
	ErrMissingSignature = errors.New("transaction is not signed")
	ErrInvalidSignature = errors.New("invalid transaction signature")
)

// Transaction is a subnet transaction. Mint transactions are synthesized by
// the block builder from observed L1 deposits and carry no signature; their
// identity is derived from the deposit nonce instead.
type Transaction struct {
	From         ethCommon.Address
	To           ethCommon.Address
	Amount       *big.Int
	Nonce        uint64
	Fee          uint64
	Payload      []byte
	Signature    []byte
	DepositNonce uint64
	Mint         bool
}

// NewMintTransaction synthesizes the credit transaction for an observed L1
// deposit. Deterministic for a given deposit nonce so all nodes build the
// same mint.
func NewMintTransaction(recipient ethCommon.Address, amount *big.Int, depositNonce uint64) *Transaction {
	return &Transaction{
		To:           recipient,
		Amount:       new(big.Int).Set(amount),
		DepositNonce: depositNonce,
		Mint:         true,
	}
}

func (t *Transaction) sigMaterial() []byte {
	amount := big.NewInt(0)
	if t.Amount != nil {
		amount = t.Amount
	}
	var buf [32]byte
	material := make([]byte, 0, 128)
	material = append(material, t.From.Bytes()...)
	material = append(material, t.To.Bytes()...)
	material = append(material, amount.FillBytes(buf[:])...)
	material = append(material, common.Uint64ToBytes(t.Nonce)...)
	material = append(material, common.Uint64ToBytes(t.Fee)...)
	material = append(material, keccak256.Hash(t.Payload)...)
	if t.Mint {
		material = append(material, common.Uint64ToBytes(t.DepositNonce)...)
		material = append(material, 0x01)
	}
	return material
}

// SigHash is the digest signed by the sender.
func (t *Transaction) SigHash() ethCommon.Hash {
	return ethCommon.BytesToHash(keccak256.Hash(t.sigMaterial()))
}

// Hash is the transaction identity, committing to the signature as well.
func (t *Transaction) Hash() ethCommon.Hash {
	return ethCommon.BytesToHash(keccak256.Hash(t.sigMaterial(), t.Signature))
}

// Size returns the byte size accounted against the block size cap.
func (t *Transaction) Size() uint64 {
	return uint64(len(t.sigMaterial()) + len(t.Signature))
}

// Sign signs the transaction with the given secp256k1 key and sets From to
// the key's address.
func (t *Transaction) Sign(privateKey []byte) error {
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return err
	}
	t.From = crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(t.SigHash().Bytes(), key)
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// Sender recovers the signing address and verifies it matches From. Mint
// transactions have no sender.
func (t *Transaction) Sender() (ethCommon.Address, error) {
	if t.Mint {
		return ethCommon.Address{}, nil
	}
	if len(t.Signature) != signatureLength {
		return ethCommon.Address{}, ErrMissingSignature
	}
	pub, err := crypto.SigToPub(t.SigHash().Bytes(), t.Signature)
	if err != nil {
		return ethCommon.Address{}, ErrInvalidSignature
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != t.From {
		return ethCommon.Address{}, ErrInvalidSignature
	}
	return recovered, nil
}

// RejectedTx records a transaction dropped during a block build together
// with the reason the VM gave for the failure.
type RejectedTx struct {
	TxHash ethCommon.Hash `meddler:"tx_hash,hash"`
	Height uint64         `meddler:"height"`
	Reason string         `meddler:"reason"`
}
