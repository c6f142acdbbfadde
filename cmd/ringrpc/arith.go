package main

import (
	"context"
	"errors"
	"time"
)

// Args is the argument of every Arith method.
type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is the demo service `ringrpc serve` exposes.
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// Sum takes its operands as two arguments rather than one Args.
func (a *Arith) Sum(x, y int, reply *int) error {
	*reply = x + y
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Sleep waits A milliseconds, or until the caller's deadline, and echoes A.
func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	reply.Result = args.A
	return nil
}
