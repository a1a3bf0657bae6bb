package fact

import (
	"encoding/json"
	"fmt"

	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// SchemaID renders the versioned schema prefix, e.g. "authority/v1".
func SchemaID(t TypeID, version uint16) string {
	return fmt.Sprintf("%s/v%d", t, version)
}

// EncodeBody renders the canonical fact envelope:
//
//	fact_type_id_len(u16) || fact_type_id || schema_version(u16) || body
//
// The body is JCS-canonical JSON, so encode→decode→encode is bit identity.
func EncodeBody(f *Fact) ([]byte, error) {
	body, err := canonicalBody(f.Body)
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter()
	w.String(string(f.Key.Type))
	w.U16(f.Version)
	w.Raw(body)
	return w.Finish(), nil
}

// DecodeBody parses a canonical fact envelope using the registry to resolve
// the body type. Unknown type ids are errors, never skipped.
func DecodeBody(registry *Registry, data []byte) (TypeID, uint16, Body, error) {
	r := wire.NewReader(data)
	typeID := TypeID(r.String())
	version := r.U16()
	if err := r.Err(); err != nil {
		return "", 0, nil, fmt.Errorf("decoding fact envelope: %w", err)
	}
	bodyBytes := data[len(typeID)+2+2:]

	red, err := registry.Lookup(typeID)
	if err != nil {
		return "", 0, nil, err
	}
	if version != red.Version() {
		return "", 0, nil, fmt.Errorf("unsupported schema version %s", SchemaID(typeID, version))
	}
	body := red.NewBody()
	if err := json.Unmarshal(bodyBytes, body); err != nil {
		return "", 0, nil, fmt.Errorf("decoding %s body: %w", SchemaID(typeID, version), err)
	}
	return typeID, version, body, nil
}

// EncodeFact renders the transfer form exchanged during anti-entropy: the
// scope and bookkeeping fields, then the canonical envelope.
func EncodeFact(f *Fact) ([]byte, error) {
	envelope, err := EncodeBody(f)
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter()
	w.String(f.Key.Scope)
	w.U64(f.Physical.TsMs)
	w.U64(f.Physical.UncertaintyMs)
	w.U64(uint64(f.Epoch))
	w.Raw(f.Ref[:])
	w.Bytes(envelope)
	return w.Finish(), nil
}

// DecodeFact parses the transfer form.
func DecodeFact(registry *Registry, data []byte) (*Fact, error) {
	r := wire.NewReader(data)
	scope := r.String()
	tsMs := r.U64()
	uncertainty := r.U64()
	epoch := r.U64()
	refBytes := r.Raw(types.IDSize)
	envelope := r.Bytes()
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("decoding fact: %w", err)
	}

	typeID, version, body, err := DecodeBody(registry, envelope)
	if err != nil {
		return nil, err
	}

	var ref types.Hash32
	copy(ref[:], refBytes)
	f := &Fact{
		Key:     Key{Type: typeID, Scope: scope},
		Version: version,
		Body:    body,
		Epoch:   types.Epoch(epoch),
		Ref:     ref,
	}
	f.Physical.TsMs = tsMs
	f.Physical.UncertaintyMs = uncertainty
	return f, nil
}
