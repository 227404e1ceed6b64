// Package client implements the caller side of the key-value API. It wraps
// the transport and serialization layers behind Put, Get and Delete calls
// and handles the routing protocol of the cluster transparently.
//
// The package focuses on:
//   - Redirect following: a MsgTRedirect response names the partition
//     leader and the next attempt is sent directly to it.
//   - Routing freshness: the client caches the highest partition map
//     generation it has seen and stamps it onto every request. A
//     stale_routing error refreshes the cache and triggers a retry.
//   - Bounded retries: retryable failures (not_leader, unavailable,
//     stale_routing) are retried with capped exponential backoff and
//     jitter up to MaxAttempts. Timeouts are never retried automatically
//     because the outcome of a timed-out write is unknown.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"localhost:5000"},
//	  TimeoutSecond: 5,
//	  MaxAttempts:   5,
//	}
//
//	cl, _ := client.New(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	defer cl.Close()
//
//	cl.Put(ctx, "mykey", []byte("myvalue"))
//	value, found, _ := cl.Get(ctx, "mykey")
//	value, found, _ = cl.Get(ctx, "mykey", client.WithBoundedStale())
//	cl.Delete(ctx, "mykey")
//
// Thread Safety:
//
//	A Client is safe for concurrent use from multiple goroutines. The
//	generation cache is updated atomically and the underlying transport
//	pipelines concurrent requests.
package client
