package models

import (
	"fmt"
	"strings"
)

// Permission is a closed bit-set of account capabilities. Admin is a
// superset: holding it satisfies any permission check.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermCompute
	PermQueue
	PermAdmin

	// PermNone is the zero value, satisfying nothing.
	PermNone Permission = 0
)

var permNames = map[Permission]string{
	PermRead:    "read",
	PermWrite:   "write",
	PermCompute: "compute",
	PermQueue:   "queue",
	PermAdmin:   "admin",
}

// Has reports whether every bit in req is held, with admin implying all.
func (p Permission) Has(req Permission) bool {
	if p&PermAdmin != 0 {
		return true
	}
	return p&req == req
}

// Strings renders the set in wire form, in declaration order.
func (p Permission) Strings() []string {
	out := make([]string, 0, 5)
	for _, bit := range []Permission{PermRead, PermWrite, PermCompute, PermQueue, PermAdmin} {
		if p&bit != 0 {
			out = append(out, permNames[bit])
		}
	}
	return out
}

// ParsePermission maps a single wire name onto its bit.
func ParsePermission(name string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read":
		return PermRead, nil
	case "write":
		return PermWrite, nil
	case "compute":
		return PermCompute, nil
	case "queue":
		return PermQueue, nil
	case "admin":
		return PermAdmin, nil
	}
	return PermNone, fmt.Errorf("%w: unknown permission %q", ErrValidation, name)
}

// ParsePermissions folds a wire-form list into one bit-set.
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, n := range names {
		bit, err := ParsePermission(n)
		if err != nil {
			return PermNone, err
		}
		p |= bit
	}
	return p, nil
}

// User is an account record. The hash is bcrypt output and is never exposed
// through the API.
type User struct {
	Username     string     `json:"username"`
	PasswordHash []byte     `json:"-"`
	Permissions  Permission `json:"permissions"`
}
