package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("erc20 abi setup: %v", err))
	}
	erc20ABI = parsed
}

func (c *Client) erc20Call(ctx context.Context, contract common.Address, method string, args ...any) ([]any, error) {
	input, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	res, err := erc20ABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return res, nil
}

// TokenBalanceOf returns the ERC20 balance of holder on the given contract.
func (c *Client) TokenBalanceOf(ctx context.Context, contract, holder common.Address) (*big.Int, error) {
	res, err := c.erc20Call(ctx, contract, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	balance, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", res[0])
	}
	return balance, nil
}

// TokenSymbol returns the ERC20 symbol of the given contract.
func (c *Client) TokenSymbol(ctx context.Context, contract common.Address) (string, error) {
	res, err := c.erc20Call(ctx, contract, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := res[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected symbol result %T", res[0])
	}
	return symbol, nil
}

// TokenName returns the ERC20 name of the given contract.
func (c *Client) TokenName(ctx context.Context, contract common.Address) (string, error) {
	res, err := c.erc20Call(ctx, contract, "name")
	if err != nil {
		return "", err
	}
	name, ok := res[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected name result %T", res[0])
	}
	return name, nil
}

// TokenDecimals returns the ERC20 decimals of the given contract.
func (c *Client) TokenDecimals(ctx context.Context, contract common.Address) (uint8, error) {
	res, err := c.erc20Call(ctx, contract, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := res[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals result %T", res[0])
	}
	return decimals, nil
}
