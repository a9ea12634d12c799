package domain

import "errors"

var (
	// ErrEntitlementNotFound is returned when no grant exists for the
	// requested product or subscription group.
	ErrEntitlementNotFound = errors.New("entitlement not found")
)
