package ferrylib

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lithdew/kademlia"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestClientRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := 4
	m := 1024
	c := uint32(n * m * 2)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		atomic.AddUint32(&c, ^uint32(0))
		return ctx.Reply([]byte("a reply!"))
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(t, ln.Close())
		require.EqualValues(t, 0, atomic.LoadUint32(&c))
	}()

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < m; j++ {
				res, err := client.CallService(context.Background(), "echo", []byte(fmt.Sprintf("[%d] hello %d", i, j)))
				require.NoError(t, err)
				require.EqualValues(t, []byte("a reply!"), res)
				atomic.AddUint32(&c, ^uint32(0))
			}
		}(i)
	}

	wg.Wait()

	t.Logf("Timer Pool => new:%d,reuse:%d,putback:%d", timerPool.m.na, timerPool.m.nr, timerPool.m.np)
	t.Logf("RequestContext Pool => new:%d,reuse:%d,putback:%d", requestContextPool.m.na, requestContextPool.m.nr, requestContextPool.m.np)
	t.Logf("PendingWrite Pool => new:%d,reuse:%d,putback:%d", pendingWritePool.m.na, pendingWritePool.m.nr, pendingWritePool.m.np)
}

func TestCallTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	release := make(chan struct{})

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		<-release
		return ctx.Reply(nil)
	})

	client := &Client{
		Addr:                 ln.Addr().String(),
		TimeoutCheckInterval: 10 * time.Millisecond,
		TimeoutFuzz:          1 * time.Millisecond,
	}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(t, ln.Close())
	}()

	start := time.Now()
	_, err = client.Call(context.Background(), CallOptions{Service: "slow", Timeout: 25 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	require.Less(t, time.Since(start), 2*time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 25*time.Millisecond, te.Timeout)

	close(release)
}

func TestHandlerError(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		return fmt.Errorf("no such service %q", ctx.Service())
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(t, ln.Close())
	}()

	_, err = client.CallService(context.Background(), "missing", []byte("hello"))
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ErrCodeUnexpected, re.Code)
	require.Equal(t, "errors.errorString", re.Kind)
	require.Contains(t, re.Message, `no such service "missing"`)
}

func TestDialDeadlineExpires(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	client := &Client{
		Dial: func() (net.Conn, error) {
			<-block
			return nil, errors.New("dial gave up")
		},
		DialTimeout: 25 * time.Millisecond,
	}

	start := time.Now()
	_, err := client.CallService(context.Background(), "echo", []byte("anyone there"))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	close(block)
	client.Shutdown()
}

func TestDialPeerByIdentity(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		return ctx.Reply(ctx.Body())
	})

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		require.NoError(t, ln.Close())
	}()

	_, secret, err := kademlia.GenerateKeys(nil)
	require.NoError(t, err)

	id := &kademlia.ID{
		Pub:  secret.Public(),
		Host: net.IPv4(127, 0, 0, 1),
		Port: uint16(ln.Addr().(*net.TCPAddr).Port),
	}

	client := &Client{Dial: DialPeer(id, time.Second)}
	res, err := client.CallService(context.Background(), "echo", []byte("found you"))
	require.NoError(t, err)
	require.EqualValues(t, []byte("found you"), res)
	client.Shutdown()
}

func TestDeferredReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	handoff := make(chan *InboundResponse, 1)

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		resp, err := ctx.Response()
		require.NoError(t, err)
		handoff <- resp
		return nil
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	go func() {
		resp := <-handoff
		require.Equal(t, ResponseInitial, resp.State())
		require.NoError(t, resp.Finish([]byte("worth the wait")))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(t, ln.Close())
	}()

	res, err := client.CallService(context.Background(), "echo", []byte("take your time"))
	require.NoError(t, err)
	require.EqualValues(t, []byte("worth the wait"), res)
}

func TestClientShutdownResolvesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		close(entered)
		<-release
		return ctx.Reply(nil)
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	errs := make(chan error, 1)
	go func() {
		_, err := client.CallService(context.Background(), "slow", []byte("hang on"))
		errs <- err
	}()

	<-entered
	client.Shutdown()

	require.ErrorIs(t, <-errs, ErrSocketClosed)

	close(release)
	server.Shutdown()
	require.NoError(t, ln.Close())
}

func TestServerConnState(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	var mu sync.Mutex
	var states []ConnState

	var server Server
	server.ConnState = ConnStateHandlerFunc(func(conn *Conn, state ConnState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	res, err := client.CallService(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.Empty(t, res)

	server.Shutdown()
	client.Shutdown()
	require.NoError(t, ln.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ConnState{StateNew, StateClosed}, states)
}

func TestClientRedialsAfterReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	var server Server

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(t, ln.Close())
	}()

	_, err = client.CallService(context.Background(), "echo", []byte("one"))
	require.NoError(t, err)

	first, err := client.Get()
	require.NoError(t, err)
	first.ResetAll(fmt.Errorf("%w: link failure drill", ErrSocketClosed))

	require.Eventually(t, func() bool {
		next, err := client.Get()
		return err == nil && next != first
	}, 2*time.Second, 10*time.Millisecond)

	res, err := client.CallService(context.Background(), "echo", []byte("two"))
	require.NoError(t, err)
	require.Empty(t, res)
}

func BenchmarkRequest(b *testing.B) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(b, err)

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		return ctx.Reply(nil)
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(b, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(b, ln.Close())
	}()

	buf := make([]byte, 1400)
	_, err = rand.Read(buf)
	require.NoError(b, err)

	b.SetBytes(int64(len(buf)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		res, err := client.Call(context.Background(), CallOptions{Service: "bench", Body: buf})
		if err != nil {
			b.Fatal(err)
		}
		if len(res) != 0 {
			b.Fatalf("expected empty response, got '%s'", string(res))
		}
	}

	b.Logf("Timer Pool => new:%d,reuse:%d,putback:%d", timerPool.m.na, timerPool.m.nr, timerPool.m.np)
	b.Logf("RequestContext Pool => new:%d,reuse:%d,putback:%d", requestContextPool.m.na, requestContextPool.m.nr, requestContextPool.m.np)
	b.Logf("PendingWrite Pool => new:%d,reuse:%d,putback:%d", pendingWritePool.m.na, pendingWritePool.m.nr, pendingWritePool.m.np)
}

func BenchmarkParallelRequest(b *testing.B) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(b, err)

	var server Server
	server.Handler = HandlerFunc(func(ctx *RequestContext) error {
		return ctx.Reply(nil)
	})

	client := &Client{Addr: ln.Addr().String()}

	go func() {
		require.NoError(b, server.Serve(ln))
	}()

	defer func() {
		server.Shutdown()
		client.Shutdown()

		require.NoError(b, ln.Close())
	}()

	buf := make([]byte, 1400)
	_, err = rand.Read(buf)
	require.NoError(b, err)

	b.SetBytes(int64(len(buf)))
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			res, err := client.Call(context.Background(), CallOptions{Service: "bench", Body: buf})
			if err != nil {
				b.Fatal(err)
			}
			if len(res) != 0 {
				b.Fatalf("expected empty response, got '%s'", string(res))
			}
		}
	})

	b.Logf("Timer Pool => new:%d,reuse:%d,putback:%d", timerPool.m.na, timerPool.m.nr, timerPool.m.np)
	b.Logf("RequestContext Pool => new:%d,reuse:%d,putback:%d", requestContextPool.m.na, requestContextPool.m.nr, requestContextPool.m.np)
	b.Logf("PendingWrite Pool => new:%d,reuse:%d,putback:%d", pendingWritePool.m.na, pendingWritePool.m.nr, pendingWritePool.m.np)
}
