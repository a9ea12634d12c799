package domain

import "errors"

var (
	// ErrNoCustomerLogged indicates an operation that requires an active
	// customer was called while logged out.
	ErrNoCustomerLogged = errors.New("no customer logged")

	// ErrCustomerForwarded indicates the customer's purchases are handled
	// by another integration and cannot be executed by this engine.
	ErrCustomerForwarded = errors.New("customer purchases are forwarded to another integration")
)
