// Package service holds the receivers a peer exposes and dispatches requests to them.
//
// A receiver is any pointer to a struct. Its exported methods of the form
//
//	func (t *T) Method(a1 A1, ..., aN AN, reply *Reply) error
//	func (t *T) Method(ctx context.Context, a1 A1, ..., aN AN, reply *Reply) error
//
// become callable as "T.Method" with exactly N arguments; N may be zero. The reply is always the
// last parameter and must be a pointer.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"ring-rpc/message"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("service")

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgTypes  []reflect.Type
	ReplyType reflect.Type
}

type receiver struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*methodType
}

// Registry maps target type names to receivers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	receivers map[string]*receiver
}

func NewRegistry() *Registry {
	return &Registry{receivers: make(map[string]*receiver)}
}

// Register exposes rcvr under its struct type name.
func (r *Registry) Register(rcvr any) error {
	return r.RegisterName("", rcvr)
}

// RegisterName exposes rcvr under name, or under its struct type name if name is empty.
func (r *Registry) RegisterName(name string, rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return errors.Errorf("service: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return errors.Errorf("service: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}

	recv := &receiver{
		name:    name,
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		methods: scanMethods(typ),
	}
	if len(recv.methods) == 0 {
		return errors.Errorf("service: %s has no exported methods of the form Method(args..., *Reply) error", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.receivers[name]; dup {
		return errors.Errorf("service: %s already registered", name)
	}
	r.receivers[name] = recv
	log.Debugf("registered %s with %d methods", name, len(recv.methods))
	return nil
}

func scanMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		// In(0) is the receiver, the last parameter the reply.
		last := mt.NumIn() - 1
		if last < 1 || mt.In(last).Kind() != reflect.Ptr {
			continue
		}
		first := 1
		withCtx := last > 1 && mt.In(1) == contextType
		if withCtx {
			first = 2
		}
		argTypes := make([]reflect.Type, 0, last-first)
		for j := first; j < last; j++ {
			argTypes = append(argTypes, mt.In(j))
		}
		methods[m.Name] = &methodType{
			method:    m,
			withCtx:   withCtx,
			ArgTypes:  argTypes,
			ReplyType: mt.In(last).Elem(),
		}
	}
	return methods
}

// Has reports whether target.method can be dispatched.
func (r *Registry) Has(target, method string) bool {
	_, err := r.lookup(target, method)
	return err == nil
}

// Services returns the registered target names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.receivers))
	for name := range r.receivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(target, method string) (*methodType, error) {
	r.mu.RLock()
	recv := r.receivers[target]
	r.mu.RUnlock()
	if recv == nil {
		return nil, errors.Errorf("service %q not found", target)
	}
	mt := recv.methods[method]
	if mt == nil {
		return nil, errors.Errorf("method %q not found on %s", method, target)
	}
	return mt, nil
}

// Dispatch invokes the method req names and returns the Response. Every failure, including an
// unknown target, an argument count error or a panic in the method, is reported in the
// Response's Error field; Dispatch never returns nil.
func (r *Registry) Dispatch(ctx context.Context, req *message.Message) *message.Message {
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := r.invoke(ctx, req)
	if err != nil {
		return req.ReplyTo(nil, err.Error())
	}
	return req.ReplyTo(result, "")
}

func (r *Registry) invoke(ctx context.Context, req *message.Message) (result json.RawMessage, err error) {
	mt, err := r.lookup(req.TargetType, req.MethodName)
	if err != nil {
		return nil, err
	}
	if n := len(mt.ArgTypes); req.Arity() != n || len(req.Arguments) != n {
		return nil, errors.Errorf("argument count error: %s takes %d, got %d", req.ServiceMethod(), n, len(req.Arguments))
	}

	argv := make([]reflect.Value, len(mt.ArgTypes))
	for i, typ := range mt.ArgTypes {
		if argv[i], err = decodeArg(req.Arguments[i], typ); err != nil {
			return nil, errors.Wrapf(err, "decode argument %d of %s", i, req.ServiceMethod())
		}
	}
	replyv := reflect.New(mt.ReplyType)

	r.mu.RLock()
	recv := r.receivers[req.TargetType]
	r.mu.RUnlock()

	if err := call(ctx, recv.rcvr, mt, argv, replyv); err != nil {
		return nil, err
	}
	return json.Marshal(replyv.Interface())
}

// decodeArg unmarshals raw into a fresh value of typ. Pointer parameters get a pointer to a new
// element.
func decodeArg(raw json.RawMessage, typ reflect.Type) (reflect.Value, error) {
	if typ.Kind() == reflect.Ptr {
		v := reflect.New(typ.Elem())
		return v, json.Unmarshal(raw, v.Interface())
	}
	v := reflect.New(typ)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return v.Elem(), nil
}

// call runs the method, reporting a panic as an error.
func call(ctx context.Context, rcvr reflect.Value, mt *methodType, argv []reflect.Value, replyv reflect.Value) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("panic in %s.%s: %v", rcvr.Type().Elem().Name(), mt.method.Name, p)
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	args := make([]reflect.Value, 0, len(argv)+3)
	args = append(args, rcvr)
	if mt.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv...)
	args = append(args, replyv)
	results := mt.method.Func.Call(args)
	if errv := results[0]; !errv.IsNil() {
		return errv.Interface().(error)
	}
	return nil
}
