package main

import (
	"context"
	"net"
	"testing"
	"time"

	"ring-rpc/server"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func TestArith(t *testing.T) {
	var a Arith
	var reply Reply
	require.NoError(t, a.Add(&Args{2, 3}, &reply))
	assert.Equal(t, 5, reply.Result)
	require.NoError(t, a.Mul(&Args{2, 3}, &reply))
	assert.Equal(t, 6, reply.Result)
	var sum int
	require.NoError(t, a.Sum(2, 3, &sum))
	assert.Equal(t, 5, sum)
	assert.EqualError(t, a.Div(&Args{A: 1}, &reply), "divide by zero")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Sleep(ctx, &Args{A: 1000}, &reply), context.DeadlineExceeded)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "Arith", serviceName("Arith.Add"))
	assert.Equal(t, "a.b", serviceName("a.b.Add"))
	assert.Equal(t, "Arith", serviceName("Arith"))
}

func startArith(t *testing.T) string {
	srv := server.NewServer(server.Options{Metrics: metrics.NewRegistry()})
	require.NoError(t, srv.Register(&Arith{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeListener(ln, "", nil)
	t.Cleanup(func() { _ = srv.Shutdown(time.Second) })
	return ln.Addr().String()
}

func TestCallCommand(t *testing.T) {
	addr := startArith(t)
	err := newApp().Run([]string{"ringrpc", "call", "--addr", addr, "Arith.Add", `{"A":2,"B":3}`})
	assert.NoError(t, err)
	err = newApp().Run([]string{"ringrpc", "call", "--addr", addr, "Arith.Sum", "2", "3"})
	assert.NoError(t, err)
}

func TestCallCommandExitCodes(t *testing.T) {
	addr := startArith(t)

	var code int
	exiter := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	defer func() { cli.OsExiter = exiter }()

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"remote failure", []string{"--addr", addr, "Arith.Div", `{"A":1,"B":0}`}, 2},
		{"unknown method", []string{"--addr", addr, "Arith.Pow", `{"A":1}`}, 2},
		{"bad json", []string{"--addr", addr, "Arith.Add", `{`}, 1},
		{"wrong argument count", []string{"--addr", addr, "Arith.Sum", "1"}, 2},
		{"no endpoint", []string{"Arith.Add", `{"A":1}`}, 1},
		{"missing method", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code = 0
			err := newApp().Run(append([]string{"ringrpc", "call"}, tt.args...))
			require.Error(t, err)
			var exit cli.ExitCoder
			require.ErrorAs(t, err, &exit)
			assert.Equal(t, tt.code, exit.ExitCode())
			assert.Equal(t, tt.code, code)
		})
	}
}
