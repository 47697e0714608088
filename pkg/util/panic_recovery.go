package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		// Log the panic with full context
		ph.log(component, r)
	}
}

// RecoverWithCallback recovers from panics and hands the panic value to
// callback, which is itself guarded.
func (ph *PanicHandler) RecoverWithCallback(component string, callback func(interface{})) {
	if r := recover(); r != nil {
		ph.log(component, r)

		// Execute callback if provided
		if callback != nil {
			func() {
				// A panicking callback must not escape the recovery
				defer func() {
					if cbPanic := recover(); cbPanic != nil {
						ph.logger.WithFields(logrus.Fields{
							"component":      component,
							"callback_panic": cbPanic,
						}).Error("Panic in panic recovery callback")
					}
				}()
				callback(r)
			}()
		}
	}
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}

func (ph *PanicHandler) log(component string, r interface{}) {
	// Skip log, the Recover method and the runtime panic frame.
	pc, file, line, ok := runtime.Caller(3)

	// Get caller information
	var caller string
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		} else {
			caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	// Stack trace of the panicking goroutine
	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": r,
		"caller":      caller,
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")
}
