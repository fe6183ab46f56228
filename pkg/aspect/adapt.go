package aspect

import (
	"context"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Adapt converts a plain Go function into an Fn. Supported shapes take an
// optional leading context.Context and return nothing, a value, an error, or a
// value and an error. Positional arguments must be assignable to the
// parameter types; nil stands for the zero value. Keyword arguments are
// rejected because Go functions have no named parameters.
func Adapt(fn any) (Fn, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("aspect: cannot adapt %T: not a function", fn)
	}
	ft := v.Type()

	numOut := ft.NumOut()
	hasErr := numOut > 0 && ft.Out(numOut-1) == errorType
	values := numOut
	if hasErr {
		values--
	}
	if values > 1 {
		return nil, fmt.Errorf("aspect: cannot adapt %s: more than one non-error result", ft)
	}

	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		offset = 1
	}
	params := ft.NumIn() - offset

	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("aspect: %s does not accept keyword arguments", ft)
		}
		if ft.IsVariadic() {
			if len(args) < params-1 {
				return nil, fmt.Errorf("aspect: %s wants at least %d arguments, got %d", ft, params-1, len(args))
			}
		} else if len(args) != params {
			return nil, fmt.Errorf("aspect: %s wants %d arguments, got %d", ft, params, len(args))
		}

		in := make([]reflect.Value, 0, offset+len(args))
		if offset == 1 {
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		for i, arg := range args {
			var pt reflect.Type
			if ft.IsVariadic() && i >= params-1 {
				pt = ft.In(ft.NumIn() - 1).Elem()
			} else {
				pt = ft.In(offset + i)
			}
			av, err := argValue(arg, pt)
			if err != nil {
				return nil, fmt.Errorf("aspect: argument %d of %s: %w", i, ft, err)
			}
			in = append(in, av)
		}

		out := v.Call(in)

		var result any
		var err error
		if values == 1 {
			result = out[0].Interface()
		}
		if hasErr {
			if e := out[numOut-1]; !e.IsNil() {
				err = e.Interface().(error)
			}
		}
		return result, err
	}, nil
}

// MustAdapt is like Adapt but panics on unsupported shapes.
func MustAdapt(fn any) Fn {
	adapted, err := Adapt(fn)
	if err != nil {
		panic(err)
	}
	return adapted
}

func argValue(arg any, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(pt), nil
	}
	av := reflect.ValueOf(arg)
	if av.Type().AssignableTo(pt) {
		if pt.Kind() == reflect.Interface {
			// keep the static parameter type for interface parameters
			iv := reflect.New(pt).Elem()
			iv.Set(av)
			return iv, nil
		}
		return av, nil
	}
	return reflect.Value{}, fmt.Errorf("%s is not assignable to %s", av.Type(), pt)
}
