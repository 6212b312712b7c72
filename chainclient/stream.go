package chainclient

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// StreamTransfers pumps every Transfer log of the token contract into sink
// until ctx is cancelled. The stream survives endpoint failures: it redials
// with exponential backoff and re-subscribes after every reconnect.
//
// Capability notifications drive the observer's transport choice. The second
// consecutive failure publishes PushUnavailable so polling starts; the next
// successful subscription publishes PushAvailable so polling stops.
//
// Recipient filtering is left to the consumer. Subscribing to the full token
// stream keeps the server-side filter constant, so issuing a new address
// never forces a re-subscription.
func (c *Client) StreamTransfers(ctx context.Context, sink chan<- TransferEvent) error {
	if len(c.wsURLs) == 0 {
		c.log.Warn("No websocket endpoints configured, push stream disabled")
		pushDownGauge.Update(1)
		c.capFeed.Send(PushUnavailable)
		<-ctx.Done()
		return ctx.Err()
	}
	fails := 0
	for {
		subscribed, err := c.streamOnce(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			fails = 0
		}
		fails++
		reconnectMeter.Mark(1)
		if fails >= 2 {
			pushDownGauge.Update(1)
			c.capFeed.Send(PushUnavailable)
		}
		delay := streamRetryDelay(fails-1, err)
		c.log.Warn("Transfer stream interrupted", "failures", fails, "retry_in", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// streamOnce dials a websocket endpoint, subscribes and pumps logs until the
// subscription breaks. The returned flag reports whether a subscription was
// established, which resets the consecutive-failure count.
func (c *Client) streamOnce(ctx context.Context, sink chan<- TransferEvent) (bool, error) {
	wc, url, err := c.dialWS(ctx)
	if err != nil {
		return false, err
	}
	defer wc.Close()

	logs := make(chan types.Log, 256)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.token},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	sub, err := wc.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	pushDownGauge.Update(0)
	c.capFeed.Send(PushAvailable)
	c.log.Info("Subscribed to token transfers", "url", url, "token", c.token)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			return true, err
		case l := <-logs:
			ev, err := ParseTransfer(l)
			if err != nil {
				continue
			}
			streamMeter.Mark(1)
			select {
			case sink <- ev:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
	}
}

// dialWS connects to the first answering websocket endpoint.
func (c *Client) dialWS(ctx context.Context) (*ethclient.Client, string, error) {
	var lastErr error
	for _, url := range c.wsURLs {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		rc, err := rpc.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Warn("Websocket endpoint unreachable", "url", url, "err", err)
			continue
		}
		return ethclient.NewClient(rc), url, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no websocket endpoints configured")
	}
	return nil, "", lastErr
}
