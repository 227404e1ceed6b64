package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/serializer"
)

// scriptedTransport answers each Send/SendTo from a fixed list of responses
// and records where each request went.
type scriptedTransport struct {
	t         *testing.T
	ser       serializer.IRPCSerializer
	responses []*common.Message
	errs      []error
	requests  []common.Message
	endpoints []string // "" for round-robin Send
}

func (f *scriptedTransport) Connect(common.ClientConfig) error { return nil }
func (f *scriptedTransport) Close() error                      { return nil }

func (f *scriptedTransport) Send(ctx context.Context, req []byte) ([]byte, error) {
	return f.answer("", req)
}

func (f *scriptedTransport) SendTo(ctx context.Context, endpoint string, req []byte) ([]byte, error) {
	return f.answer(endpoint, req)
}

func (f *scriptedTransport) answer(endpoint string, req []byte) ([]byte, error) {
	var msg common.Message
	require.NoError(f.t, f.ser.Deserialize(req, &msg))
	f.requests = append(f.requests, msg)
	f.endpoints = append(f.endpoints, endpoint)

	i := len(f.requests) - 1
	require.Less(f.t, i, len(f.responses), "transport ran out of scripted responses")
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.ser.Serialize(*f.responses[i])
}

func newTestClient(t *testing.T, trans *scriptedTransport, maxAttempts int) *Client {
	cl, err := New(common.ClientConfig{MaxAttempts: maxAttempts}, trans, trans.ser)
	require.NoError(t, err)
	return cl
}

func TestClientPutSuccess(t *testing.T) {
	trans := &scriptedTransport{
		t:         t,
		ser:       serializer.NewJSONSerializer(),
		responses: []*common.Message{common.NewSuccessResponse()},
	}
	cl := newTestClient(t, trans, 3)

	require.NoError(t, cl.Put(context.Background(), "k", []byte("v")))
	require.Len(t, trans.requests, 1)
	require.Equal(t, common.MsgTClientWrite, trans.requests[0].MsgType)
	require.Equal(t, common.OpPut, trans.requests[0].Op)
}

func TestClientFollowsRedirect(t *testing.T) {
	trans := &scriptedTransport{
		t:   t,
		ser: serializer.NewJSONSerializer(),
		responses: []*common.Message{
			common.NewRedirect("node-b:5000", 3),
			common.NewReadResponse([]byte("v"), true),
		},
	}
	cl := newTestClient(t, trans, 3)

	value, found, err := cl.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)

	// first attempt round-robin, second directly at the hinted leader
	require.Equal(t, []string{"", "node-b:5000"}, trans.endpoints)
	// the redirect also carried a newer generation
	require.Equal(t, uint64(3), trans.requests[1].Generation)
}

func TestClientRefreshesGenerationOnStaleRouting(t *testing.T) {
	trans := &scriptedTransport{
		t:   t,
		ser: serializer.NewJSONSerializer(),
		responses: []*common.Message{
			common.NewErrorResponse(common.NewStaleRouting(7)),
			common.NewSuccessResponse(),
		},
	}
	cl := newTestClient(t, trans, 3)

	require.NoError(t, cl.Put(context.Background(), "k", []byte("v")))
	require.Len(t, trans.requests, 2)
	require.Equal(t, uint64(0), trans.requests[0].Generation)
	require.Equal(t, uint64(7), trans.requests[1].Generation)
}

func TestClientDoesNotRetryNonRetryable(t *testing.T) {
	trans := &scriptedTransport{
		t:   t,
		ser: serializer.NewJSONSerializer(),
		responses: []*common.Message{
			common.NewErrorResponse(common.NewError(common.CodeProtocolMismatch, "bad schema")),
		},
	}
	cl := newTestClient(t, trans, 5)

	err := cl.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	require.Equal(t, common.CodeProtocolMismatch, common.CodeOf(err))
	require.Len(t, trans.requests, 1)
}

func TestClientExhaustsAttempts(t *testing.T) {
	unavailable := common.NewErrorResponse(common.NewError(common.CodeUnavailable, "no quorum"))
	trans := &scriptedTransport{
		t:         t,
		ser:       serializer.NewJSONSerializer(),
		responses: []*common.Message{unavailable, unavailable, unavailable},
	}
	cl := newTestClient(t, trans, 3)

	err := cl.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	require.Equal(t, common.CodeUnavailable, common.CodeOf(err))
	require.Len(t, trans.requests, 3)
}

func TestClientSurfacesTimeout(t *testing.T) {
	trans := &scriptedTransport{
		t:         t,
		ser:       serializer.NewJSONSerializer(),
		responses: []*common.Message{nil},
		errs:      []error{common.NewError(common.CodeTimeout, "deadline expired")},
	}
	cl := newTestClient(t, trans, 5)

	err := cl.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	require.Equal(t, common.CodeTimeout, common.CodeOf(err))
	require.Len(t, trans.requests, 1, "a timed-out write must not be resent")
}

func TestClientBoundedStaleRead(t *testing.T) {
	trans := &scriptedTransport{
		t:         t,
		ser:       serializer.NewJSONSerializer(),
		responses: []*common.Message{common.NewReadResponse(nil, false)},
	}
	cl := newTestClient(t, trans, 3)

	_, found, err := cl.Get(context.Background(), "k", WithBoundedStale())
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, common.ReadBoundedStale, trans.requests[0].ReadMode)
}
