// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Channel purposes
const (
	PurposeSession = "session"
	PurposeStream  = "stream"
)

var ErrBadName = errors.New("port: malformed connection name")

// Name is a parsed connection name:
// <label> "/" <purpose> [ "/" <disambiguator> ].
type Name struct {
	Label         string
	Purpose       string
	Disambiguator string
}

func (n Name) String() string {
	s := n.Label + "/" + n.Purpose
	if n.Disambiguator != "" {
		s += "/" + n.Disambiguator
	}
	return s
}

// SessionName names the primary connection of the session labelled label.
func SessionName(label string) string {
	return Name{Label: label, Purpose: PurposeSession}.String()
}

// StreamName names a fresh stream sub-channel of the session labelled label.
// Every call returns a different name.
func StreamName(label string) string {
	return Name{Label: label, Purpose: PurposeStream, Disambiguator: uuid.NewString()}.String()
}

// ParseName splits name into its parts. Labels may contain "/"; the purpose
// is found from the right.
func ParseName(name string) (Name, error) {
	rest, last, ok := cutLast(name)
	if !ok || rest == "" {
		return Name{}, ErrBadName
	}
	if last == PurposeSession {
		return Name{Label: rest, Purpose: PurposeSession}, nil
	}
	label, purpose, ok := cutLast(rest)
	if !ok || label == "" || purpose != PurposeStream || last == "" {
		return Name{}, ErrBadName
	}
	return Name{Label: label, Purpose: PurposeStream, Disambiguator: last}, nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
