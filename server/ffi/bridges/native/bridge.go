package native

import (
	"context"
	"reflect"
	"strconv"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
)

const (
	DefaultName    = "go"
	DefaultVersion = "1.0.0"

	maxFaultMessage = 512
)

// Func is the canonical form of a native function
type Func func(ctx context.Context, args []types.Value) (types.Value, error)

// function is the registered handle: either a canonical Func or any Go func
// adapted through reflection
type function struct {
	canonical Func
	fn        reflect.Value
	takesCtx  bool
	params    []reflect.Type
}

// Options configure the in-process Go bridge
type Options struct {
	bridge.Options
	Name    string
	Version string
	// Serialized runs non thread-safe functions one at a time, the way a
	// single-threaded interpreter would be driven
	Serialized bool
}

// Bridge exposes Go functions through the canonical calling convention
type Bridge struct {
	*bridge.Base[*function]

	serialized bool
	gate       sync.Mutex
	handles    *handleTable
}

var (
	_ bridge.LanguageBridge    = (*Bridge)(nil)
	_ bridge.CallbackRegistrar = (*Bridge)(nil)
	_ bridge.FunctionLister    = (*Bridge)(nil)
)

func New(opts Options) *Bridge {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	return &Bridge{
		Base:       bridge.NewBase[*function](opts.Name, opts.Version, opts.Options),
		serialized: opts.Serialized,
		handles:    newHandleTable(),
	}
}

// RegisterFunction accepts a Func, a func with Func's shape, or any Go
// function whose parameters match sig. An optional leading
// context.Context is passed through. Allowed results are (), (R), (error)
// and (R, error).
func (b *Bridge) RegisterFunction(name string, handle any, sig *types.Signature, flags registry.Flags) error {
	fn, err := adapt(handle, sig)
	if err != nil {
		return b.Fail(errors.AsError(err).AddContext("function", name))
	}
	return b.Register(name, fn, sig, flags)
}

func (b *Bridge) RegisterCallback(name string, handle any, sig *types.Signature) error {
	fn, err := adapt(handle, sig)
	if err != nil {
		return b.Fail(errors.AsError(err).AddContext("callback", name))
	}
	return b.RegisterCallbackHandle(name, fn, sig)
}

// CallFunction looks the function up, checks the arguments against its
// signature and runs it with no registry lock held
func (b *Bridge) CallFunction(ctx context.Context, name string, args []types.Value) (types.Value, error) {
	entry, err := b.Lookup(name)
	if err != nil {
		return types.Value{}, err
	}
	return b.invoke(ctx, entry, args)
}

func (b *Bridge) InvokeCallback(ctx context.Context, name string, args []types.Value) (types.Value, error) {
	entry, err := b.LookupCallback(name)
	if err != nil {
		return types.Value{}, err
	}
	return b.invoke(ctx, entry, args)
}

func (b *Bridge) invoke(ctx context.Context, entry registry.Entry[*function], args []types.Value) (result types.Value, err error) {
	if err := entry.Signature.CheckArgs(args); err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", entry.Name)
	}

	alloc := b.Allocator()
	frame, err := alloc.Alloc(frameSize(args))
	if err != nil {
		return types.Value{}, b.Fail(errors.AsError(err).AddContext("function", entry.Name))
	}
	defer alloc.Free(frame)

	if b.serialized && !entry.Flags.Has(registry.FlagThreadSafe) {
		b.gate.Lock()
		defer b.gate.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			msg, _ := b.HandleException(r, maxFaultMessage)
			err = b.Fail(errors.New(errors.FFIExecutionFailed, msg, nil).
				AddContext("function", entry.Name).
				AddContext("panic", "true"))
			result = types.Value{}
		}
	}()

	fn := entry.Handle
	if fn.canonical != nil {
		result, err = fn.canonical(ctx, args)
	} else {
		result, err = b.callReflect(ctx, fn, entry.Signature, args)
	}
	if err != nil {
		return types.Value{}, b.executionFailure(entry.Name, err)
	}

	if err := entry.Signature.CheckReturn(result); err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", entry.Name)
	}
	return result, nil
}

// executionFailure keeps coded failures and turns anything else into
// ExecutionFailed
func (b *Bridge) executionFailure(function string, err error) error {
	if errors.IsPolycallError(err) {
		return err
	}
	msg, _ := b.HandleException(err, maxFaultMessage)
	return b.Fail(errors.New(errors.FFIExecutionFailed, msg, err).AddContext("function", function))
}

func (b *Bridge) callReflect(ctx context.Context, fn *function, sig *types.Signature, args []types.Value) (types.Value, error) {
	ft := fn.fn.Type()
	in := make([]reflect.Value, 0, ft.NumIn())
	if fn.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	fixed := len(fn.params)
	if ft.IsVariadic() {
		fixed--
	}

	for i, arg := range args {
		var goParam reflect.Type
		switch {
		case i < fixed:
			goParam = fn.params[i]
		case ft.IsVariadic():
			goParam = fn.params[fixed].Elem()
		default:
			return types.Value{}, errors.New(errors.FFIInvalidParameters, "too many arguments for native function", nil)
		}

		rv, err := b.toReflect(arg, paramType(sig, i, arg), goParam)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("argument", strconv.Itoa(i))
		}
		in = append(in, rv)
	}

	// optional parameters left out by the caller get zero values
	for i := len(args); i < fixed; i++ {
		in = append(in, reflect.Zero(fn.params[i]))
	}

	out := fn.fn.Call(in)
	return b.fromResults(out, sig.Return)
}

func paramType(sig *types.Signature, i int, arg types.Value) types.Type {
	if i < len(sig.Params) {
		return sig.Params[i].Type
	}
	return arg.Type()
}

func (b *Bridge) toReflect(arg types.Value, t types.Type, goParam reflect.Type) (reflect.Value, error) {
	if goParam == valueType {
		return reflect.ValueOf(arg), nil
	}
	native, err := b.ConvertToNative(arg, t)
	if err != nil {
		return reflect.Value{}, err
	}
	if native == nil {
		return reflect.Zero(goParam), nil
	}
	rv := reflect.ValueOf(native)
	if !rv.Type().AssignableTo(goParam) {
		return reflect.Value{}, errors.New(errors.FFITypeMismatch, "argument cannot be passed to native parameter", nil).
			AddContext("want", goParam.String()).
			AddContext("have", rv.Type().String())
	}
	return rv, nil
}

func (b *Bridge) fromResults(out []reflect.Value, ret types.Type) (types.Value, error) {
	var errOut reflect.Value
	var valOut *reflect.Value
	switch len(out) {
	case 0:
	case 1:
		if out[0].Type() == errorType {
			errOut = out[0]
		} else {
			valOut = &out[0]
		}
	case 2:
		valOut = &out[0]
		errOut = out[1]
	}

	if errOut.IsValid() && !errOut.IsNil() {
		return types.Value{}, errOut.Interface().(error)
	}
	if valOut == nil {
		return types.VoidValue(), nil
	}

	var x any
	if valOut.Kind() == reflect.Interface && valOut.IsNil() {
		x = nil
	} else {
		x = valOut.Interface()
	}
	return b.ConvertFromNative(x, ret)
}

func adapt(handle any, sig *types.Signature) (*function, error) {
	if sig == nil {
		return nil, errors.New(errors.FFIInvalidParameters, "signature is required", nil)
	}
	switch h := handle.(type) {
	case Func:
		if h == nil {
			return nil, errors.New(errors.FFIInvalidParameters, "native handle is nil", nil)
		}
		return &function{canonical: h}, nil
	case func(context.Context, []types.Value) (types.Value, error):
		if h == nil {
			return nil, errors.New(errors.FFIInvalidParameters, "native handle is nil", nil)
		}
		return &function{canonical: h}, nil
	}

	rv := reflect.ValueOf(handle)
	if !rv.IsValid() || rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, errors.New(errors.FFIInvalidParameters, "native handle must be a Go function", nil)
	}
	ft := rv.Type()

	fn := &function{fn: rv}
	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		fn.takesCtx = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		fn.params = append(fn.params, ft.In(i))
	}

	declared := len(sig.Params)
	fixed := len(fn.params)
	if ft.IsVariadic() {
		fixed--
		if declared < fixed {
			return nil, arityMismatch(declared, fixed)
		}
	} else if declared != fixed {
		return nil, arityMismatch(declared, fixed)
	}

	for i, p := range sig.Params {
		var goParam reflect.Type
		if i < fixed {
			goParam = fn.params[i]
		} else {
			goParam = fn.params[fixed].Elem()
		}
		if !acceptsParam(goParam, p.Type) {
			return nil, errors.New(errors.FFITypeMismatch, "native parameter type does not match signature", nil).
				AddContext("param", strconv.Itoa(i)).
				AddContext("want", goTypeFor(p.Type).String()).
				AddContext("have", goParam.String())
		}
	}

	switch ft.NumOut() {
	case 0:
	case 1:
	case 2:
		if ft.Out(1) != errorType {
			return nil, errors.New(errors.FFIInvalidParameters, "second native result must be error", nil)
		}
	default:
		return nil, errors.New(errors.FFIInvalidParameters, "native function returns too many results", nil)
	}
	return fn, nil
}

func arityMismatch(declared, got int) error {
	return errors.New(errors.FFITypeMismatch, "native parameter count does not match signature", nil).
		AddContext("want", strconv.Itoa(declared)).
		AddContext("have", strconv.Itoa(got))
}

// ReleaseObject drops an object handle produced by ConvertFromNative
func (b *Bridge) ReleaseObject(handle uint64) error {
	if !b.handles.remove(handle) {
		return errors.New(errors.FFINotFound, "unknown object handle", nil).
			AddContext("handle", strconv.FormatUint(handle, 10))
	}
	return nil
}

// Objects is the number of live object handles
func (b *Bridge) Objects() int { return b.handles.len() }

// Cleanup drops object handles and then the registrations
func (b *Bridge) Cleanup(core *bridge.CoreContext) error {
	if err := b.Base.Cleanup(core); err != nil {
		return err
	}
	b.handles.reset()
	return nil
}
