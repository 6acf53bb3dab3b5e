// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiflight

import (
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
)

// DescriptorKind says which form a DatasetDescriptor takes.
type DescriptorKind int

const (
	DescriptorPath DescriptorKind = iota + 1
	DescriptorCommand
)

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorPath:
		return "path"
	case DescriptorCommand:
		return "command"
	default:
		return "unknown"
	}
}

// commandPrefix marks identifiers that should be sent as command descriptors.
const commandPrefix = "cmd:"

// DatasetDescriptor identifies a dataset on the server: either an ordered
// path of name segments or an opaque command. The zero value is invalid.
type DatasetDescriptor struct {
	kind    DescriptorKind
	path    []string
	command []byte
}

// PathDescriptor returns a descriptor naming a dataset by path segments.
func PathDescriptor(segments ...string) DatasetDescriptor {
	return DatasetDescriptor{kind: DescriptorPath, path: slices.Clone(segments)}
}

// CommandDescriptor returns a descriptor carrying an opaque selection command.
func CommandDescriptor(cmd []byte) DatasetDescriptor {
	return DatasetDescriptor{kind: DescriptorCommand, command: slices.Clone(cmd)}
}

// ParseDescriptor maps a user-supplied identifier to a descriptor.
// "cmd:<expr>" becomes a command descriptor; anything else is a path split on "/".
func ParseDescriptor(identifier string) DatasetDescriptor {
	if cmd, ok := strings.CutPrefix(identifier, commandPrefix); ok {
		return CommandDescriptor([]byte(cmd))
	}
	var segments []string
	for _, s := range strings.Split(identifier, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return PathDescriptor(segments...)
}

func (d DatasetDescriptor) Kind() DescriptorKind { return d.kind }

// IsValid reports whether d was built by one of the constructors.
func (d DatasetDescriptor) IsValid() bool {
	switch d.kind {
	case DescriptorPath:
		return len(d.path) > 0
	case DescriptorCommand:
		return true
	default:
		return false
	}
}

// Path returns a copy of the path segments (nil for command descriptors).
func (d DatasetDescriptor) Path() []string { return slices.Clone(d.path) }

// Command returns a copy of the command bytes (nil for path descriptors).
func (d DatasetDescriptor) Command() []byte { return slices.Clone(d.command) }

func (d DatasetDescriptor) String() string {
	switch d.kind {
	case DescriptorPath:
		return strings.Join(d.path, "/")
	case DescriptorCommand:
		return commandPrefix + string(d.command)
	default:
		return "<invalid descriptor>"
	}
}

// Key is a stable identity used for caching.
func (d DatasetDescriptor) Key() string {
	return d.kind.String() + "\x00" + d.String()
}

// Equal reports whether two descriptors name the same dataset.
func (d DatasetDescriptor) Equal(o DatasetDescriptor) bool {
	return d.kind == o.kind && slices.Equal(d.path, o.path) && string(d.command) == string(o.command)
}

func (d DatasetDescriptor) toFlight() *flight.FlightDescriptor {
	switch d.kind {
	case DescriptorCommand:
		return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: slices.Clone(d.command)}
	default:
		return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: slices.Clone(d.path)}
	}
}

func descriptorFromFlight(fd *flight.FlightDescriptor) (DatasetDescriptor, bool) {
	if fd == nil {
		return DatasetDescriptor{}, false
	}
	switch fd.GetType() {
	case flight.DescriptorPATH:
		return PathDescriptor(fd.GetPath()...), true
	case flight.DescriptorCMD:
		return CommandDescriptor(fd.GetCmd()), true
	default:
		return DatasetDescriptor{}, false
	}
}
