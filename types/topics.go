package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event topics the block monitor filters on.
var (
	TransferTopic   = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	DepositTopic    = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	WithdrawalTopic = crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)"))
)

// WETHContractAddress is the canonical wrapped-ether contract. Deposits and
// withdrawals on it must also be reflected in the ether payment stream.
var WETHContractAddress = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")

// ERC20 method selectors recognized in transaction input data.
var (
	ERC20TransferSelector     = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	ERC20TransferFromSelector = crypto.Keccak256([]byte("transferFrom(address,address,uint256)"))[:4]
	ERC20BalanceOfSelector    = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// TopicAddress extracts the address packed into an indexed event topic.
func TopicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t[12:])
}
