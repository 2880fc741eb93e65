// Package avro reads Avro object container files produced by the mobile
// export pipeline. Records stream through a callback one at a time so a
// large container never sits fully materialized next to its raw bytes.
package avro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2/ocf"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

const schemaMetadataKey = "avro.schema"

// Decoder implements domain.RecordDecoder on OCF byte buffers.
type Decoder struct{}

// NewDecoder builds a stateless decoder; safe for concurrent use.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode streams every record in the container through fn. The writer
// schema's record name, namespace stripped, must equal the expected
// record type; a mismatch means the envelope points at the wrong file
// and retrying cannot help.
func (d *Decoder) Decode(data []byte, rt domain.RecordType, fn func(rec map[string]any) error) (int, error) {
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("op=avro.decode: %w", domain.WrapKind(domain.KindSchema, err))
	}

	name, err := schemaName(dec.Metadata())
	if err != nil {
		return 0, fmt.Errorf("op=avro.decode: %w", domain.WrapKind(domain.KindSchema, err))
	}
	if name != string(rt) && !strings.HasSuffix(name, "."+string(rt)) {
		return 0, fmt.Errorf("op=avro.decode: container schema %q does not match record type %q: %w",
			name, rt, domain.Kindf(domain.KindValidation, "schema mismatch"))
	}

	count := 0
	for dec.HasNext() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return count, fmt.Errorf("op=avro.decode: record %d: %w", count, domain.WrapKind(domain.KindSchema, err))
		}
		if err := fn(rec); err != nil {
			return count, fmt.Errorf("op=avro.decode: record %d: %w", count, err)
		}
		count++
	}
	if err := dec.Error(); err != nil {
		return count, fmt.Errorf("op=avro.decode: %w", domain.WrapKind(domain.KindSchema, err))
	}
	return count, nil
}

// schemaName extracts the root record name from the container header.
func schemaName(meta map[string][]byte) (string, error) {
	raw, ok := meta[schemaMetadataKey]
	if !ok {
		return "", fmt.Errorf("container header missing %s", schemaMetadataKey)
	}
	// The schema may be a bare name reference or a full record definition.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var def struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return "", fmt.Errorf("unreadable container schema: %w", err)
	}
	if def.Name == "" {
		return "", fmt.Errorf("container schema has no record name")
	}
	if def.Namespace != "" {
		return def.Namespace + "." + def.Name, nil
	}
	return def.Name, nil
}
