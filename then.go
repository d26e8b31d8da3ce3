package q

import (
	"fmt"
	"reflect"
)

var (
	errType    = reflect.TypeOf((*error)(nil)).Elem()
	valuesType = reflect.TypeOf(Values(nil))
)

// continuationOf validates fn as a continuation at chain-build time.
// Panics with a *TypeError for non-functions; binding against the actual
// tuple happens at resolution time.
func continuationOf(fn any) reflect.Value {
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		panic(&TypeError{Message: fmt.Sprintf("q: continuation must be a function, got %T", fn)})
	}
	if fv.Type().IsVariadic() {
		panic(&TypeError{Message: fmt.Sprintf("q: continuation must not be variadic: %s", fv.Type())})
	}
	return fv
}

// bindArgs adapts the settled tuple to the continuation's signature:
//
//  1. m parameters against an m-tuple, element-wise assignable or
//     convertible: invoke unpacked.
//  2. a single Values parameter: invoke with the whole tuple.
//  3. no parameters: invoke discarding the tuple.
//
// Anything else is a type error.
func bindArgs(ft reflect.Type, vals Values) ([]reflect.Value, error) {
	m := ft.NumIn()
	if m == 0 {
		return nil, nil
	}
	if m == 1 && ft.In(0) == valuesType {
		return []reflect.Value{reflect.ValueOf(vals)}, nil
	}
	if m != len(vals) {
		return nil, &TypeError{Message: fmt.Sprintf(
			"q: cannot bind %d value(s) to continuation %s", len(vals), ft)}
	}
	args := make([]reflect.Value, m)
	for i := range args {
		at := ft.In(i)
		if vals[i] == nil {
			args[i] = reflect.Zero(at)
			continue
		}
		rv := reflect.ValueOf(vals[i])
		switch {
		case rv.Type().AssignableTo(at):
			args[i] = rv
		case rv.Type().ConvertibleTo(at):
			args[i] = rv.Convert(at)
		default:
			return nil, &TypeError{Message: fmt.Sprintf(
				"q: value %d (%s) does not bind to parameter %s of %s",
				i, rv.Type(), at, ft)}
		}
	}
	return args, nil
}

// invoke calls the continuation with the adapted tuple, converting panics
// into rejections.
func invoke(fv reflect.Value, vals Values) (rets []reflect.Value, err error) {
	args, err := bindArgs(fv.Type(), vals)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			rets, err = nil, PanicError{Value: r}
		}
	}()
	return fv.Call(args), nil
}

// settleFromReturn maps a continuation's return values onto the downstream
// deferred:
//
//   - a trailing error return rejects when non-nil;
//   - a single *Promise return is flattened, so the chain resolves with the
//     inner promise's resolution;
//   - a single Values return spreads into the next tuple;
//   - anything else forms the next tuple directly (unit when empty).
func settleFromReturn(d *Deferred, rets []reflect.Value, err error) {
	if err != nil {
		d.Reject(err)
		return
	}
	if n := len(rets); n > 0 && rets[n-1].Type() == errType {
		if e, _ := rets[n-1].Interface().(error); e != nil {
			d.Reject(e)
			return
		}
		rets = rets[:n-1]
	}
	if len(rets) == 1 {
		switch v := rets[0].Interface().(type) {
		case *Promise:
			if v == nil {
				d.Resolve()
				return
			}
			v.s.addWaiter(d.s.queue, func(vals Values, err error) {
				if err != nil {
					d.Reject(err)
					return
				}
				d.Resolve(vals...)
			})
			return
		case Values:
			d.Resolve(v...)
			return
		}
	}
	out := make(Values, len(rets))
	for i := range rets {
		out[i] = rets[i].Interface()
	}
	d.Resolve(out...)
}

// Then registers fn to run with the promise's values once it fulfills; the
// returned promise settles with fn's return per the binding rules in the
// package documentation. A rejection skips fn and propagates.
func (p *Promise) Then(fn any) *Promise {
	return p.ThenOn(nil, fn)
}

// ThenOn is Then with the continuation rebound to run on queue instead of
// the promise's own queue. The returned promise is bound to queue as well.
func (p *Promise) ThenOn(queue *Queue, fn any) *Promise {
	fv := continuationOf(fn)
	if queue == nil {
		queue = p.s.queue
	}
	next, d := Make(queue)
	p.s.addWaiter(queue, func(vals Values, err error) {
		if err != nil {
			d.Reject(err)
			return
		}
		rets, callErr := invoke(fv, vals)
		settleFromReturn(d, rets, callErr)
	})
	return next
}

// Fail registers fn to run with the rejection error; the value path passes
// through untouched. fn takes a single error-compatible parameter; a
// rejection whose error does not bind to that parameter propagates past
// this handler unchanged. fn's return settles the next promise per the
// usual rules, so a Fail handler can recover the chain onto the value
// path.
func (p *Promise) Fail(fn any) *Promise {
	return p.FailOn(nil, fn)
}

// FailOn is Fail with the handler rebound to run on queue.
func (p *Promise) FailOn(queue *Queue, fn any) *Promise {
	fv := continuationOf(fn)
	ft := fv.Type()
	if ft.NumIn() != 1 {
		panic(&TypeError{Message: fmt.Sprintf("q: Fail handler must take one error parameter: %s", ft)})
	}
	if queue == nil {
		queue = p.s.queue
	}
	next, d := Make(queue)
	p.s.addWaiter(queue, func(vals Values, err error) {
		if err == nil {
			d.Resolve(vals...)
			return
		}
		ev := reflect.ValueOf(err)
		if !ev.Type().AssignableTo(ft.In(0)) {
			// Typed handler for a different error: pass the rejection on.
			d.Reject(err)
			return
		}
		rets, callErr := func() (rets []reflect.Value, callErr error) {
			defer func() {
				if r := recover(); r != nil {
					rets, callErr = nil, PanicError{Value: r}
				}
			}()
			return fv.Call([]reflect.Value{ev}), nil
		}()
		settleFromReturn(d, rets, callErr)
	})
	return next
}

// Finally registers fn to run on either outcome. The chain carries the
// original outcome forward unless fn returns a non-nil error (or panics),
// which replaces it. fn takes no parameters and returns nothing or an
// error.
func (p *Promise) Finally(fn any) *Promise {
	fv := continuationOf(fn)
	if fv.Type().NumIn() != 0 {
		panic(&TypeError{Message: fmt.Sprintf("q: Finally handler must take no parameters: %s", fv.Type())})
	}
	next, d := Make(p.s.queue)
	p.s.addWaiter(nil, func(vals Values, err error) {
		rets, callErr := invoke(fv, nil)
		if callErr == nil && len(rets) > 0 && rets[len(rets)-1].Type() == errType {
			callErr, _ = rets[len(rets)-1].Interface().(error)
		}
		if callErr != nil {
			d.Reject(callErr)
			return
		}
		if err != nil {
			d.Reject(err)
			return
		}
		d.Resolve(vals...)
	})
	return next
}

// Tap registers fn to observe the values for side effects; the original
// outcome is forwarded. A panic or error return from fn replaces the
// outcome with that failure. Rejections pass through without invoking fn.
func (p *Promise) Tap(fn any) *Promise {
	fv := continuationOf(fn)
	next, d := Make(p.s.queue)
	p.s.addWaiter(nil, func(vals Values, err error) {
		if err != nil {
			d.Reject(err)
			return
		}
		rets, callErr := invoke(fv, vals)
		if callErr == nil && len(rets) > 0 && rets[len(rets)-1].Type() == errType {
			callErr, _ = rets[len(rets)-1].Interface().(error)
		}
		if callErr != nil {
			d.Reject(callErr)
			return
		}
		d.Resolve(vals...)
	})
	return next
}
