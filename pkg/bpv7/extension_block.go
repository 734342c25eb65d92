// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/dtn7/cboring"
)

// Known block type codes. Sorted to keep the registry collision-free.
const (
	// ExtBlockTypePayloadBlock carries a bundle's application data unit.
	ExtBlockTypePayloadBlock uint64 = 1

	// ExtBlockTypePreviousNodeBlock names the node a bundle was last
	// received from.
	ExtBlockTypePreviousNodeBlock uint64 = 7

	// ExtBlockTypeBundleAgeBlock tracks a bundle's age in milliseconds,
	// for nodes without a reliable clock.
	ExtBlockTypeBundleAgeBlock uint64 = 8

	// ExtBlockTypeHopCountBlock bounds how many times a bundle may be
	// forwarded.
	ExtBlockTypeHopCountBlock uint64 = 9
)

// ExtensionBlock describes the block-type specific payload of a
// CanonicalBlock. An ExtensionBlock must implement either
// cboring.CborMarshaler or both encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler.
type ExtensionBlock interface {
	// CheckValid reports structural errors in this block's content.
	CheckValid() error

	// BlockTypeCode returns this block's type code.
	BlockTypeCode() uint64
}

// ExtensionBlockManager keeps a registry of known ExtensionBlock types so a
// decoder can construct the right Go type from a block type code found on
// the wire.
type ExtensionBlockManager struct {
	data  map[uint64]reflect.Type
	mutex sync.Mutex
}

// NewExtensionBlockManager creates an empty registry.
func NewExtensionBlockManager() *ExtensionBlockManager {
	return &ExtensionBlockManager{data: make(map[uint64]reflect.Type)}
}

// Register adds a new ExtensionBlock type through an exemplary instance.
func (ebm *ExtensionBlockManager) Register(eb ExtensionBlock) error {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	code := eb.BlockTypeCode()
	typ := reflect.TypeOf(eb).Elem()

	if typ == reflect.TypeOf((*GenericExtensionBlock)(nil)).Elem() {
		return fmt.Errorf("bpv7: not allowed to register a GenericExtensionBlock")
	}
	if other, exists := ebm.data[code]; exists {
		return fmt.Errorf("bpv7: block type code %d is already registered for %s", code, other.Name())
	}

	ebm.data[code] = typ
	return nil
}

// IsKnown reports whether a type code has a registered Go type.
func (ebm *ExtensionBlockManager) IsKnown(typeCode uint64) bool {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	_, known := ebm.data[typeCode]
	return known
}

func (ebm *ExtensionBlockManager) createBlock(typeCode uint64) ExtensionBlock {
	if typ, exists := ebm.data[typeCode]; exists {
		return reflect.New(typ).Interface().(ExtensionBlock)
	}
	return &GenericExtensionBlock{typeCode: typeCode}
}

// WriteBlock writes an ExtensionBlock's encoded payload as a byte string.
// Unknown block types fall back to GenericExtensionBlock, which just
// copies its opaque bytes through.
func (ebm *ExtensionBlockManager) WriteBlock(b ExtensionBlock, w io.Writer) error {
	switch b := b.(type) {
	case encoding.BinaryMarshaler:
		data, err := b.MarshalBinary()
		if err != nil {
			return fmt.Errorf("bpv7: marshalling block failed: %w", err)
		}
		return cboring.WriteByteString(data, w)

	case cboring.CborMarshaler:
		var buff bytes.Buffer
		if err := cboring.Marshal(b, &buff); err != nil {
			return fmt.Errorf("bpv7: marshalling block failed: %w", err)
		}
		return cboring.WriteByteString(buff.Bytes(), w)

	default:
		return fmt.Errorf("bpv7: extension block implements neither binary nor cbor marshaling")
	}
}

// encodedDataLen returns the byte length of b's encoded payload, the same
// bytes WriteBlock would wrap in a CBOR byte string, so a caller can check
// it against BlockDataBufSize before the block ever reaches the wire.
func encodedDataLen(b ExtensionBlock) (int, error) {
	switch b := b.(type) {
	case encoding.BinaryMarshaler:
		data, err := b.MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("bpv7: marshalling block failed: %w", err)
		}
		return len(data), nil

	case cboring.CborMarshaler:
		var buff bytes.Buffer
		if err := cboring.Marshal(b, &buff); err != nil {
			return 0, fmt.Errorf("bpv7: marshalling block failed: %w", err)
		}
		return buff.Len(), nil

	default:
		return 0, fmt.Errorf("bpv7: extension block implements neither binary nor cbor marshaling")
	}
}

// ReadBlock reads an ExtensionBlock's encoded payload for the given block
// type code, dispatching to a registered type or GenericExtensionBlock.
func (ebm *ExtensionBlockManager) ReadBlock(typeCode uint64, r io.Reader) (b ExtensionBlock, err error) {
	b = ebm.createBlock(typeCode)

	switch b := b.(type) {
	case encoding.BinaryUnmarshaler:
		var data []byte
		if data, err = cboring.ReadByteString(r); err == nil {
			err = b.UnmarshalBinary(data)
		}

	case cboring.CborMarshaler:
		var data []byte
		if data, err = cboring.ReadByteString(r); err == nil {
			err = cboring.Unmarshal(b, bytes.NewBuffer(data))
		}

	default:
		err = fmt.Errorf("bpv7: extension block implements neither binary nor cbor marshaling")
	}

	return
}

var (
	extensionBlockManager      *ExtensionBlockManager
	extensionBlockManagerMutex sync.Mutex
)

// GetExtensionBlockManager returns the singleton registry, seeded with the
// payload, previous-node, bundle-age and hop-count block types on first use.
func GetExtensionBlockManager() *ExtensionBlockManager {
	extensionBlockManagerMutex.Lock()
	defer extensionBlockManagerMutex.Unlock()

	if extensionBlockManager == nil {
		extensionBlockManager = NewExtensionBlockManager()

		_ = extensionBlockManager.Register(NewPayloadBlock(nil))
		_ = extensionBlockManager.Register(NewPreviousNodeBlock(EndpointID{}))
		_ = extensionBlockManager.Register(NewBundleAgeBlock(0))
		_ = extensionBlockManager.Register(NewHopCountBlock(0))
	}

	return extensionBlockManager
}

// GenericExtensionBlock covers a block type code this node does not
// understand; it carries the payload opaquely so the bundle can still be
// relayed.
type GenericExtensionBlock struct {
	data     []byte
	typeCode uint64
}

// NewGenericExtensionBlock builds a GenericExtensionBlock from raw payload
// bytes and the block type code they were read under.
func NewGenericExtensionBlock(data []byte, typeCode uint64) *GenericExtensionBlock {
	return &GenericExtensionBlock{data: data, typeCode: typeCode}
}

// MarshalBinary returns this block's opaque payload unchanged.
func (geb *GenericExtensionBlock) MarshalBinary() ([]byte, error) {
	return geb.data, nil
}

// UnmarshalBinary stores data as this block's opaque payload.
func (geb *GenericExtensionBlock) UnmarshalBinary(data []byte) error {
	geb.data = data
	return nil
}

// CheckValid always succeeds: an opaque block cannot be judged.
func (geb *GenericExtensionBlock) CheckValid() error {
	return nil
}

// BlockTypeCode returns the type code this block was read under.
func (geb *GenericExtensionBlock) BlockTypeCode() uint64 {
	return geb.typeCode
}
