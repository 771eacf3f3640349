package assert

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrAssertion is wrapped by every error returned from this package.
var ErrAssertion = errors.New("assertion failed")

// Check returns an error describing msg when cond is false.
// msg is a format string; args are applied with fmt.Sprintf.
func Check(cond bool, msg string, args ...interface{}) error {
	if cond {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return fmt.Errorf("%w: %s", ErrAssertion, msg)
}

// NotNil returns an error when v is nil, including typed nil pointers,
// maps, slices, channels and funcs stored in an interface.
func NotNil(v interface{}, name string) error {
	if v == nil {
		return fmt.Errorf("%w: %s must not be nil", ErrAssertion, name)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		if rv.IsNil() {
			return fmt.Errorf("%w: %s must not be nil", ErrAssertion, name)
		}
	}
	return nil
}

// InRange returns an error when v is outside [min, max].
func InRange(v, min, max int, name string) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %s out of range: %d not in [%d, %d]", ErrAssertion, name, v, min, max)
	}
	return nil
}
