package rpc

import (
	"context"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	argType   reflect.Type
	replyType reflect.Type
}

// service is a receiver whose exported methods of the form
//
//	func (*T) Method(*Args, *Reply) error
//	func (*T) Method(context.Context, *Args, *Reply) error
//
// can be called remotely
type service struct {
	name    string
	rcvr    reflect.Value
	methods map[string]*methodType
}

func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("receiver must be a pointer to a struct, got %v", typ)
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:    name,
		rcvr:    reflect.ValueOf(rcvr),
		methods: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt, ok := asMethod(typ.Method(i)); ok {
			svc.methods[mt.method.Name] = mt
		}
	}
	if len(svc.methods) == 0 {
		return nil, fmt.Errorf("%v has no methods that can be called remotely", name)
	}
	return svc, nil
}

func asMethod(m reflect.Method) (*methodType, bool) {
	mt := m.Type
	if mt.NumOut() != 1 || mt.Out(0) != errorType {
		return nil, false
	}
	in := 1
	withCtx := false
	switch mt.NumIn() {
	case 3:
	case 4:
		if mt.In(1) != contextType {
			return nil, false
		}
		withCtx = true
		in = 2
	default:
		return nil, false
	}
	if mt.In(in).Kind() != reflect.Ptr || mt.In(in+1).Kind() != reflect.Ptr {
		return nil, false
	}
	return &methodType{
		method:    m,
		withCtx:   withCtx,
		argType:   mt.In(in).Elem(),
		replyType: mt.In(in + 1).Elem(),
	}, true
}

func (s *service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if mt.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mt.method.Func.Call(args)
	if err := results[0].Interface(); err != nil {
		return err.(error)
	}
	return nil
}
