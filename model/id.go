package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateRequestHandle returns a unique handle used to correlate a vendor
// request with its completion callback.
func GenerateRequestHandle() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func MustGenerateRequestHandle() string {
	handle, err := GenerateRequestHandle()
	if err != nil {
		panic(fmt.Sprintf("failed to generate request handle: %v", err))
	}

	return handle
}
