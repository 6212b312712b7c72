package chainclient

import (
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/bpgw/config"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := &config.ChainConfig{
		RPCURLs:       []string{"http://127.0.0.1:0"},
		ChainID:       56,
		TokenContract: "0x55d398326f99059fF775485246999027B3197955",
		GasPrice:      "5000000000",
		GasLimit:      100000,
	}
	c, err := New(cfg, log.New("test", "chainclient"))
	require.NoError(t, err)
	return c
}

func TestTransferTopic(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	require.Equal(t, want, TransferTopic)
}

func TestParseTransfer(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(1_500_000)

	l := types.Log{
		Address: common.HexToAddress("0x55d398326f99059fF775485246999027B3197955"),
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: 1234,
		TxHash:      common.HexToHash("0xabc1"),
		Index:       7,
	}

	ev, err := ParseTransfer(l)
	require.NoError(t, err)
	require.Equal(t, from, ev.From)
	require.Equal(t, to, ev.To)
	require.Equal(t, 0, amount.Cmp(ev.Amount))
	require.Equal(t, uint64(1234), ev.BlockNumber)
	require.Equal(t, uint(7), ev.LogIndex)
	require.False(t, ev.Removed)
}

func TestParseTransferRejectsForeignLogs(t *testing.T) {
	_, err := ParseTransfer(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.Error(t, err)

	// Approval-style logs share the topic arity but not the signature.
	_, err = ParseTransfer(types.Log{Topics: []common.Hash{
		crypto.Keccak256Hash([]byte("Approval(address,address,uint256)")),
		{}, {},
	}})
	require.Error(t, err)
}

func TestShouldFailover(t *testing.T) {
	require.False(t, shouldFailover(ethereum.NotFound))
	require.False(t, shouldFailover(rpc.HTTPError{StatusCode: http.StatusBadRequest}))
	require.True(t, shouldFailover(rpc.HTTPError{StatusCode: http.StatusServiceUnavailable}))
	require.True(t, shouldFailover(rpc.HTTPError{StatusCode: http.StatusTooManyRequests}))
	require.True(t, shouldFailover(errors.New("read tcp: connection reset by peer")))
}

func TestBackoffBounds(t *testing.T) {
	// Delay grows but never exceeds cap plus 30% jitter.
	for attempt := 0; attempt < 20; attempt++ {
		d := rpcRetryDelay(attempt)
		require.GreaterOrEqual(t, d, rpcRetryBase)
		require.LessOrEqual(t, d, rpcRetryMax+rpcRetryMax*3/10)
	}

	// 503 responses use the longer stream base.
	soft := streamRetryDelay(0, errors.New("eof"))
	require.GreaterOrEqual(t, soft, streamRetryBase)
	hard := streamRetryDelay(0, rpc.HTTPError{StatusCode: http.StatusServiceUnavailable})
	require.GreaterOrEqual(t, hard, streamRetryBase503)

	capped := streamRetryDelay(50, errors.New("eof"))
	require.LessOrEqual(t, capped, streamRetryMax+streamRetryMax*3/10)
}

func TestBoostedGasPrice(t *testing.T) {
	c := testClient(t)
	require.Equal(t, "6000000000", c.BoostedGasPrice().String())
	// The base price itself is not mutated.
	require.Equal(t, "5000000000", c.GasPrice().String())
}

func TestCapabilityFeed(t *testing.T) {
	c := testClient(t)
	ch := make(chan Capability, 1)
	sub := c.SubscribeCapability(ch)
	defer sub.Unsubscribe()

	c.capFeed.Send(PushUnavailable)
	select {
	case got := <-ch:
		require.Equal(t, PushUnavailable, got)
	case <-time.After(time.Second):
		t.Fatal("capability notification not delivered")
	}
}
