package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ring-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Panic(args *Args, reply *Reply) error {
	var m map[string]int
	m["boom"] = args.A
	return nil
}

func (a *Arith) Deadline(ctx context.Context, args *Args, reply *Reply) error {
	if _, ok := ctx.Deadline(); ok {
		reply.Result = 1
	}
	return nil
}

// not exported over RPC: wrong shape
func (a *Arith) Helper(x int) int { return x }

// Calc takes its operands as separate arguments.
type Calc struct{}

func (c *Calc) Add(a, b int, reply *int) error {
	*reply = a + b
	return nil
}

func (c *Calc) Ping(reply *string) error {
	*reply = "pong"
	return nil
}

func (c *Calc) Scale(ctx context.Context, factor float64, p *Point, reply *Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply.X, reply.Y = p.X*factor, p.Y*factor
	return nil
}

type Point struct {
	X, Y float64
}

func newRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	require.NoError(t, r.Register(&Arith{}))
	return r
}

func request(t *testing.T, target, method string, args ...any) *message.Message {
	req, err := message.NewRequest(target, method, args...)
	require.NoError(t, err)
	req.ID = 42
	return req
}

func TestRegister(t *testing.T) {
	r := newRegistry(t)
	assert.True(t, r.Has("Arith", "Add"))
	assert.True(t, r.Has("Arith", "Deadline"))
	assert.False(t, r.Has("Arith", "Helper"))
	assert.Equal(t, []string{"Arith"}, r.Services())

	assert.Error(t, r.Register(&Arith{}), "duplicate name")
	assert.Error(t, r.Register(Arith{}), "not a pointer")
	n := 3
	assert.Error(t, r.Register(&n), "not a struct")
	assert.NoError(t, r.RegisterName("Calc", &Arith{}))
	assert.True(t, r.Has("Calc", "Div"))
}

func TestDispatch(t *testing.T) {
	r := newRegistry(t)
	resp := r.Dispatch(context.Background(), request(t, "Arith", "Add", &Args{A: 2, B: 3}))

	assert.Equal(t, message.ID(42), resp.ID)
	assert.Equal(t, message.KindResponse, resp.Kind)
	assert.Empty(t, resp.Error)

	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Result, &reply))
	assert.Equal(t, 5, reply.Result)
}

func TestDispatchArgumentCounts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Calc{}))

	resp := r.Dispatch(context.Background(), request(t, "Calc", "Add", 2, 3))
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `5`, string(resp.Result))

	resp = r.Dispatch(context.Background(), request(t, "Calc", "Ping"))
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `"pong"`, string(resp.Result))

	resp = r.Dispatch(context.Background(), request(t, "Calc", "Scale", 2.0, &Point{X: 1, Y: -3}))
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"X":2,"Y":-6}`, string(resp.Result))

	resp = r.Dispatch(context.Background(), request(t, "Calc", "Add", 2))
	assert.Equal(t, "argument count error: Calc.Add takes 2, got 1", resp.Error)
	resp = r.Dispatch(context.Background(), request(t, "Calc", "Ping", 1))
	assert.Equal(t, "argument count error: Calc.Ping takes 0, got 1", resp.Error)

	req := request(t, "Calc", "Add", 2, 3)
	req.Arguments[1] = json.RawMessage(`"three"`)
	assert.Contains(t, r.Dispatch(context.Background(), req).Error, "decode argument 1 of Calc.Add")
}

func TestDispatchFailuresTravelInResponse(t *testing.T) {
	r := newRegistry(t)
	cases := []struct {
		name string
		req  *message.Message
		want string
	}{
		{"method error", request(t, "Arith", "Div", &Args{A: 1}), "divide by zero"},
		{"panic", request(t, "Arith", "Panic", &Args{}), "panic: assignment to entry in nil map"},
		{"unknown target", request(t, "Nope", "Add", &Args{}), `service "Nope" not found`},
		{"unknown method", request(t, "Arith", "Mul", &Args{}), `method "Mul" not found on Arith`},
		{"no argument", request(t, "Arith", "Add"), "argument count error"},
		{"two arguments", request(t, "Arith", "Add", &Args{}, &Args{}), "argument count error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := r.Dispatch(context.Background(), tc.req)
			assert.Equal(t, message.ID(42), resp.ID)
			assert.Equal(t, message.KindResponse, resp.Kind)
			assert.Contains(t, resp.Error, tc.want)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestDispatchMalformedArgument(t *testing.T) {
	r := newRegistry(t)
	req := request(t, "Arith", "Add", &Args{})
	req.Arguments[0] = json.RawMessage(`"not an object"`)

	resp := r.Dispatch(context.Background(), req)
	assert.Contains(t, resp.Error, "decode argument 0 of Arith.Add")
}

func TestDispatchPassesContext(t *testing.T) {
	r := newRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := r.Dispatch(ctx, request(t, "Arith", "Deadline", &Args{}))
	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Result, &reply))
	assert.Equal(t, 1, reply.Result)
}
