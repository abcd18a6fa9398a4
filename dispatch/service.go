// Package dispatch executes incoming calls on the local implementation object.
//
// NewService scans the object's exported methods once and indexes them by
// (name, arity). Handle then resolves each Invocation against that index,
// decodes the arguments into the declared parameter types, calls the method
// and encodes whatever it returned.
//
// Accepted method shapes (an optional leading context.Context is not counted
// in the arity):
//
//	func (T) M(args...)                 // void: nothing is sent back
//	func (T) M(args...) error
//	func (T) M(args...) R
//	func (T) M(args...) (R, error)
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"

	"agent-rpc/codec"
	"agent-rpc/message"

	"go.uber.org/zap"
)

var (
	// ErrMethodNotFound means no method matches the (name, arity) of a call.
	ErrMethodNotFound = errors.New("method not found")

	// ErrInterrupted replaces context cancellation seen by a handler, which
	// happens when the link shuts its workers down mid-call.
	ErrInterrupted = errors.New("command execution interrupted")
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type key struct {
	name  string
	arity int
}

type methodType struct {
	method      reflect.Method
	withContext bool           // first parameter is a context.Context
	argTypes    []reflect.Type // wire arguments, in order
	hasValue    bool           // first result is a value
	hasError    bool           // last result is an error
}

func (m *methodType) void() bool {
	return !m.hasValue && !m.hasError
}

// Service is the dispatch table of one bound local object.
type Service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[key]*methodType
	codec  codec.Codec
	logger *zap.Logger
}

// NewService indexes the exported methods of rcvr. Arguments and results are
// decoded and encoded with c. A nil rcvr yields a Service that resolves
// nothing, for links that only make outbound calls.
func NewService(rcvr any, c codec.Codec) (*Service, error) {
	if c == nil {
		return nil, errors.New("dispatch: codec is required")
	}
	s := &Service{
		method: make(map[key]*methodType),
		codec:  c,
		logger: zap.L().Named("dispatch"),
	}
	if rcvr == nil {
		s.name = "<none>"
		return s, nil
	}

	s.rcvr = reflect.ValueOf(rcvr)
	s.typ = s.rcvr.Type()
	s.name = s.typ.String()
	s.registerMethods()
	return s, nil
}

// registerMethods builds the (name, arity) index. Go method sets never hold
// two methods of the same name, so a key is never ambiguous.
func (s *Service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt, ok := inspect(method)
		if !ok {
			s.logger.Debug("skipping method with unsupported signature",
				zap.String("service", s.name), zap.String("method", method.Name))
			continue
		}
		s.method[key{method.Name, len(mt.argTypes)}] = mt
	}
}

func inspect(method reflect.Method) (*methodType, bool) {
	mtype := method.Type
	if mtype.IsVariadic() {
		return nil, false
	}

	mt := &methodType{method: method}

	// In(0) is the receiver
	first := 1
	if mtype.NumIn() > 1 && mtype.In(1) == contextType {
		mt.withContext = true
		first = 2
	}
	for i := first; i < mtype.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, mtype.In(i))
	}

	switch mtype.NumOut() {
	case 0:
	case 1:
		if mtype.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasValue = true
		}
	case 2:
		if mtype.Out(1) != errorType {
			return nil, false
		}
		mt.hasValue = true
		mt.hasError = true
	default:
		return nil, false
	}
	return mt, true
}

// Has reports whether a method with this name and arity is bound.
func (s *Service) Has(name string, arity int) bool {
	_, ok := s.method[key{name, arity}]
	return ok
}

// IsVoid reports whether the bound method declares no results at all.
func (s *Service) IsVoid(name string, arity int) bool {
	mt, ok := s.method[key{name, arity}]
	return ok && mt.void()
}

// Methods lists the bound methods as "Name/arity", sorted.
func (s *Service) Methods() []string {
	out := make([]string, 0, len(s.method))
	for k := range s.method {
		out = append(out, fmt.Sprintf("%s/%d", k.name, k.arity))
	}
	sort.Strings(out)
	return out
}

// Handle executes one invocation. It never panics: decode failures, returned
// errors and panics all come back in Result.Err.
func (s *Service) Handle(ctx context.Context, inv *message.Invocation) *message.Result {
	mt, ok := s.method[key{inv.Method, len(inv.Args)}]
	if !ok {
		return message.ErrorResult(fmt.Errorf("%w: %s/%d", ErrMethodNotFound, inv.Method, len(inv.Args)))
	}

	args := make([]reflect.Value, 0, 2+len(inv.Args))
	args = append(args, s.rcvr)
	if mt.withContext {
		args = append(args, reflect.ValueOf(WithCallID(ctx, inv.ID)))
	}
	for i, data := range inv.Args {
		argv := reflect.New(mt.argTypes[i])
		if err := s.codec.Decode(data, argv.Interface()); err != nil {
			return message.ErrorResult(fmt.Errorf("decode arg %d of %s: %w", i, inv.Method, err))
		}
		args = append(args, argv.Elem())
	}

	out, stack, err := s.call(mt, args)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s", ErrInterrupted, inv.Method)
		}
		return &message.Result{Err: err, Stack: stack}
	}
	if mt.void() {
		return &message.Result{Void: true}
	}

	var value any
	if mt.hasValue {
		value = out[0].Interface()
	}
	payload, err := s.codec.Encode(value)
	if err != nil {
		return message.ErrorResult(fmt.Errorf("encode result of %s: %w", inv.Method, err))
	}
	return &message.Result{Payload: payload}
}

// call invokes the method via reflection and converts a panic into an error.
func (s *Service) call(mt *methodType, args []reflect.Value) (out []reflect.Value, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", mt.method.Name, r)
			stack = string(debug.Stack())
		}
	}()

	out = mt.method.Func.Call(args)
	if mt.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return out, "", e.Interface().(error)
		}
	}
	return out, "", nil
}

type callIDKey struct{}

// WithCallID returns a context carrying the correlation id of the call being
// executed.
func WithCallID(ctx context.Context, id int32) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the correlation id a handler is answering, if any.
func CallID(ctx context.Context) (int32, bool) {
	id, ok := ctx.Value(callIDKey{}).(int32)
	return id, ok
}
