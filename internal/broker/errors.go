package broker

import "errors"

var (
	// ErrBrokerUnavailable wraps every connection or channel failure.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrReconnectExhausted is returned by Consume when the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("broker reconnect attempts exhausted")
)
