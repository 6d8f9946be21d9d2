package safe

import (
	"fmt"
	"reflect"

	"PPRoom/logger"
	"PPRoom/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required collaborators in constructors.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// SafeGo starts a goroutine that recovers and logs panics
// so one bad connection or job can't take the process down.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover 用在 defer 里
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered", zap.String("goroutine", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
	}
}
