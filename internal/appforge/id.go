package appforge

import "github.com/google/uuid"

// NewBuildID generates an opaque unique build identifier.
func NewBuildID() string {
	return "bld-" + uuid.NewString()
}
