package protoutil

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func ProtoEqualError(a, b proto.Message) error {
	if !proto.Equal(a, b) {
		return fmt.Errorf("%v != %v", a, b)
	}

	return nil
}

// StructEqualError compares s against the plain Go representation expected,
// which must be convertible with structpb.NewStruct.
func StructEqualError(expected map[string]any, s *structpb.Struct) error {
	e, err := structpb.NewStruct(expected)
	if err != nil {
		return fmt.Errorf("invalid expected struct: %w", err)
	}
	return ProtoEqualError(e, s)
}
