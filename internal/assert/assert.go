package assert

import (
	"fmt"
)

// True panics with the formatted message if condition is false. It guards
// invariants whose violation means the engine state can no longer be trusted.
func True(condition bool, errMsg string, arg ...any) {
	if !condition {
		panic(fmt.Sprintf("Assertion Failed: %s\n", fmt.Sprintf(errMsg, arg...)))
	}
}

// NoError panics if err is not nil
func NoError(err error, errMsg string, arg ...any) {
	if err != nil {
		panic(fmt.Sprintf("Assertion Failed: %s: %s\n", fmt.Sprintf(errMsg, arg...), err))
	}
}
