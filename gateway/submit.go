package gateway

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/types"
)

// signatureLength is the wire length of a detached signature: "0x" plus 65
// bytes of hex.
const signatureLength = 132

// SubmitTransaction validates and admits a signed transaction. The sender is
// recovered from the signature; tokenID is the authenticated client identity
// recorded on the row. Returns the canonical transaction hash.
func (s *Service) SubmitTransaction(ctx context.Context, req *SubmitRequest, tokenID string) (common.Hash, error) {
	tx, err := s.decodeSubmission(req)
	if err != nil {
		return common.Hash{}, err
	}
	if txChainID := tx.ChainId(); txChainID.Sign() != 0 && txChainID.Cmp(s.chainID) != 0 {
		return common.Hash{}, ErrInvalidNetworkID
	}
	from, err := gtypes.Sender(s.signer, tx)
	if err != nil {
		return common.Hash{}, ErrInvalidSignature.WithMessage(
			"Invalid signature: signature of transaction does not match")
	}
	hash := tx.Hash()
	nonce := tx.Nonce()

	// serialize concurrent submissions at the same (sender, nonce)
	locked, err := s.store.TryLockSubmission(from, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	if !locked {
		return common.Hash{}, ErrNonceAlreadyUsed
	}
	defer func() {
		if err := s.store.UnlockSubmission(from, nonce); err != nil {
			log.Warnw("failed to release submission lock",
				"sender", types.AddressHex(from), "nonce", nonce, "error", err.Error())
		}
	}()

	existing, err := s.store.TransactionsBySenderNonce(from, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	if len(existing) > 0 {
		return common.Hash{}, ErrNonceAlreadyUsed
	}

	spendable, err := s.spendableBalance(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	cost := tx.Cost()
	if spendable.Cmp(cost) < 0 {
		return common.Hash{}, ErrInsufficientFunds
	}

	expected, err := s.nextNonce(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	if nonce < expected {
		return common.Hash{}, ErrNonceTooLow
	}
	if nonce > expected {
		return common.Hash{}, ErrNonceTooHigh
	}

	row := types.NewTransactionFromRLP(tx, from)
	row.SenderTokenID = tokenID

	// transactions priced below the relay floor enter the queue instead of
	// being broadcast; the queue processor retries once the floor drops
	if safeLow, err := s.store.SafeLowGasPrice(); err == nil && safeLow != nil &&
		tx.GasPrice().Cmp(safeLow) < 0 {
		if err := s.store.AddTransaction(row); err != nil {
			return common.Hash{}, err
		}
		if err := s.store.SetNonceHint(from, nonce+1); err != nil {
			log.Warnw("failed to bump nonce hint", "sender", types.AddressHex(from), "error", err.Error())
		}
		s.triggerQueue(from)
		return hash, nil
	}

	if err := s.chain.SendTransaction(ctx, tx); err != nil {
		if mappedErr := s.reconcileSendError(ctx, hash, err); mappedErr != nil {
			return common.Hash{}, mappedErr
		}
	}
	row.Status = types.StatusUnconfirmed
	if err := s.store.AddTransaction(row); err != nil {
		return common.Hash{}, err
	}
	if err := s.store.SetNonceHint(from, nonce+1); err != nil {
		log.Warnw("failed to bump nonce hint", "sender", types.AddressHex(from), "error", err.Error())
	}
	s.notifyAdmitted(row)
	if tx.To() != nil {
		s.triggerQueue(*tx.To())
	}
	log.Infow("transaction admitted",
		"hash", hash.Hex(), "sender", types.AddressHex(from), "nonce", nonce)
	return hash, nil
}

// decodeSubmission decodes the envelope and attaches a detached signature
// when the envelope carries none.
func (s *Service) decodeSubmission(req *SubmitRequest) (*gtypes.Transaction, error) {
	raw, err := hexutil.Decode(req.Tx)
	if err != nil {
		return nil, ErrInvalidTransaction.WithMessage("Invalid transaction: Invalid hex value")
	}
	tx := new(gtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, ErrInvalidTransaction
	}
	v, r, rs := tx.RawSignatureValues()
	signed := v != nil && (v.Sign() != 0 || r.Sign() != 0 || rs.Sign() != 0)
	if signed {
		return tx, nil
	}
	if req.Signature == "" {
		return nil, ErrMissingSignature
	}
	if len(req.Signature) != signatureLength || !strings.HasPrefix(req.Signature, "0x") {
		return nil, ErrInvalidSignature.WithMessage("Invalid signature: Invalid length")
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return nil, ErrInvalidSignature.WithMessage("Invalid signature: Invalid hex value")
	}
	// accept both the {0,1} and the legacy {27,28} recovery id encodings
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	signedTx, err := tx.WithSignature(s.signer, sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return signedTx, nil
}

// reconcileSendError classifies a node rejection. "nonce too low" and
// "already known" responses can mean the transaction is on the network
// already, so the chain is probed before rejecting the client. A nil return
// means the submission should be treated as accepted.
func (s *Service) reconcileSendError(ctx context.Context, hash common.Hash, sendErr error) error {
	msg := strings.ToLower(sendErr.Error())
	switch {
	case strings.Contains(msg, "known transaction"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "already imported"):
		return nil
	case strings.Contains(msg, "nonce too low"):
		if _, _, err := s.chain.TransactionByHash(ctx, hash); err == nil {
			return nil
		}
		return ErrNonceTooLow
	case strings.Contains(msg, "insufficient funds"):
		return ErrInsufficientFunds
	case strings.Contains(msg, "intrinsic gas too low"):
		return ErrInvalidTransaction.WithMessage(
			"Invalid transaction: The transaction carries too little gas for its payload")
	case strings.Contains(msg, "invalid sender"):
		return ErrInvalidSignature.WithMessage(
			"Invalid signature: signature of transaction does not match")
	}
	log.Warnw("node rejected transaction", "hash", hash.Hex(), "error", sendErr.Error())
	return sendErr
}
