package client

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/serializer"
	"github.com/keva-db/keva/rpc/transport"
)

var logger = common.GetLogger("client")

const (
	backoffBase = 20 * time.Millisecond
	backoffCap  = 1 * time.Second
)

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client is the caller side of the request coordinator. It tracks the
// partition map generation it last saw, follows redirect hints to the
// partition leader and retries retryable failures with capped exponential
// backoff.
type Client struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	generation atomic.Uint64 // last observed partition map generation
}

// New connects a client to the cluster endpoints in the configuration.
func New(config common.ClientConfig, trans transport.IRPCClientTransport, ser serializer.IRPCSerializer) (*Client, error) {
	if err := trans.Connect(config); err != nil {
		return nil, err
	}
	return &Client{
		config:     config,
		transport:  trans,
		serializer: ser,
	}, nil
}

// Close releases all transport connections.
func (c *Client) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// ReadOption configures a Get.
type ReadOption func(*common.Message)

// WithBoundedStale serves the read from any replica's applied state. It is
// cheaper than the default linearizable read but may miss the newest
// committed writes.
func WithBoundedStale() ReadOption {
	return func(m *common.Message) {
		m.ReadMode = common.ReadBoundedStale
	}
}

// Put stores a value under a key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.invoke(ctx, func() *common.Message {
		return common.NewClientWrite(key, value, common.OpPut, c.generation.Load())
	})
	return err
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.invoke(ctx, func() *common.Message {
		return common.NewClientWrite(key, nil, common.OpDelete, c.generation.Load())
	})
	return err
}

// Get reads a key. The default read is linearizable.
func (c *Client) Get(ctx context.Context, key string, opts ...ReadOption) ([]byte, bool, error) {
	resp, err := c.invoke(ctx, func() *common.Message {
		msg := common.NewClientRead(key, common.ReadLinearizable, c.generation.Load())
		for _, opt := range opts {
			opt(msg)
		}
		return msg
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// --------------------------------------------------------------------------
// Retry Loop
// --------------------------------------------------------------------------

// invoke sends a request until it succeeds, a non-retryable error occurs or
// the attempt budget is exhausted. The request is rebuilt per attempt so it
// always carries the freshest routing generation.
func (c *Client) invoke(ctx context.Context, build func() *common.Message) (*common.Message, error) {
	maxAttempts := max(1, c.config.MaxAttempts)

	var lastErr error
	redirect := ""
	immediate := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && !immediate {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		immediate = false

		req := build()
		raw, err := c.serializer.Serialize(*req)
		if err != nil {
			return nil, err
		}

		var rawResp []byte
		if redirect != "" {
			rawResp, err = c.transport.SendTo(ctx, redirect, raw)
			redirect = ""
		} else {
			rawResp, err = c.transport.Send(ctx, raw)
		}
		if err != nil {
			if common.CodeOf(err) == common.CodeTimeout {
				// The outcome is unknown, re-sending a write could apply
				// it twice from the caller's point of view.
				return nil, err
			}
			lastErr = err
			continue
		}

		var resp common.Message
		if err := c.serializer.Deserialize(rawResp, &resp); err != nil {
			return nil, err
		}

		switch resp.MsgType {
		case common.MsgTSuccess:
			if resp.Generation > c.generation.Load() {
				c.generation.Store(resp.Generation)
			}
			return &resp, nil

		case common.MsgTRedirect:
			// A known leader can be tried right away, no backoff needed.
			redirect = resp.LeaderHint
			immediate = redirect != ""
			c.observeGeneration(resp.Generation)
			lastErr = resp.ResponseError()

		case common.MsgTError:
			err := resp.ResponseError()
			if common.CodeOf(err) == common.CodeStaleRouting {
				c.observeGeneration(resp.Generation)
				lastErr = err
				immediate = true
				continue
			}
			if !common.IsRetryable(err) {
				return nil, err
			}
			lastErr = err

		default:
			return nil, common.NewErrorf(common.CodeProtocolMismatch, "unexpected response type %s", resp.MsgType)
		}
	}

	logger.Debugf("request failed after %d attempts: %v", maxAttempts, lastErr)
	return nil, lastErr
}

func (c *Client) observeGeneration(gen uint64) {
	for {
		cur := c.generation.Load()
		if gen <= cur || c.generation.CompareAndSwap(cur, gen) {
			return
		}
	}
}

// backoff sleeps for an exponentially growing, jittered interval.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	d := backoffBase << shift
	if d > backoffCap {
		d = backoffCap
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return common.NewError(common.CodeTimeout, ctx.Err().Error())
	}
}
