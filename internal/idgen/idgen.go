// Package idgen generates opaque identifiers for commands and other
// server-assigned records.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character alphanumeric nanoid. Panics only on
// crypto/rand failure, which is not expected to happen in practice.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("idgen: generate: %v", err))
	}
	return id
}
