package codec

import "errors"

var (
	ErrRegistryRequired         = errors.New("type registry is required")
	ErrSerializerRequired       = errors.New("serializer is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrFactoryRequired          = errors.New("event factory is required")
	ErrFactoryMustReturnPointer = errors.New("event factory must return a pointer")
	ErrTypeAlreadyRegistered    = errors.New("event type already registered")
	ErrTypeNotRegistered        = errors.New("event type is not registered")
	ErrPayloadRequired          = errors.New("payload is required")
	ErrSerializeFailed          = errors.New("event serialization failed")
	ErrDeserializeFailed        = errors.New("event deserialization failed")
)
