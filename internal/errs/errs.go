// Package errs classifies the failures the runtime can run into so callers can
// decide whether a failure ends the connection or stays local to one unit.
package errs

import (
	"errors"
	"fmt"
)

// Class is the handling category of an error.
type Class int

const (
	// Transport errors are socket or TLS failures. They end the connection.
	Transport Class = iota
	// Protocol errors come from malformed inbound lines. The line is dropped.
	Protocol
	// Execution errors are raised by rule handlers and recovered per invocation.
	Execution
	// Config errors reject a plugin's registration or the whole startup.
	Config
)

func (c Class) String() string {
	switch c {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Execution:
		return "execution"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its class and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap formats err as "<component>.<operation>: <action> failed: <err>"
// without classifying it.
func Wrap(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, operation, action, err)
}

func wrapClass(class Class, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   fmt.Sprintf("%s.%s: %s failed: %v", component, operation, action, err),
		Component: component,
		Operation: operation,
	}
}

func WrapTransport(err error, component, operation, action string) error {
	return wrapClass(Transport, err, component, operation, action)
}

func WrapProtocol(err error, component, operation, action string) error {
	return wrapClass(Protocol, err, component, operation, action)
}

func WrapExecution(err error, component, operation, action string) error {
	return wrapClass(Execution, err, component, operation, action)
}

func WrapConfig(err error, component, operation, action string) error {
	return wrapClass(Config, err, component, operation, action)
}

// ClassOf reports the class of the outermost ClassifiedError in err's chain.
func ClassOf(err error) (Class, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func is(err error, class Class) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

func IsTransport(err error) bool { return is(err, Transport) }
func IsProtocol(err error) bool  { return is(err, Protocol) }
func IsExecution(err error) bool { return is(err, Execution) }
func IsConfig(err error) bool    { return is(err, Config) }
