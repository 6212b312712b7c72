package chainclient

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Minimal BEP20/ERC20 fragment: the calls the gateway makes plus the
// Transfer event it ingests.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	tokenABI abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)"), the
	// first topic of every token transfer log.
	TransferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic("chainclient: invalid embedded token ABI: " + err.Error())
	}
	tokenABI = parsed
	TransferTopic = tokenABI.Events["Transfer"].ID
}

// TransferEvent is a decoded token transfer log. Removed marks logs revoked
// by a re-org; consumers must not credit them.
type TransferEvent struct {
	TxHash   common.Hash
	LogIndex uint
	Token    common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int

	BlockNumber uint64
	BlockHash   common.Hash
	Removed     bool
}

var errNotTransfer = errors.New("log is not a token transfer")

// ParseTransfer decodes a raw log into a TransferEvent. Logs with a foreign
// signature or malformed topics return errNotTransfer.
func ParseTransfer(l types.Log) (TransferEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return TransferEvent{}, errNotTransfer
	}
	return TransferEvent{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Token:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Amount:      new(big.Int).SetBytes(l.Data),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		Removed:     l.Removed,
	}, nil
}
