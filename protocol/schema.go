package protocol

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const envelopeSchema Type = "envelope"

type schemaSet struct {
	once    sync.Once
	err     error
	schemas map[Type]*gojsonschema.Schema
}

var defaultSchemas = &schemaSet{}

func (s *schemaSet) load() {
	s.schemas = make(map[Type]*gojsonschema.Schema)
	for _, t := range append([]Type{envelopeSchema}, Types...) {
		raw, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			s.err = fmt.Errorf("read schema %s: %w", t, err)
			return
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			s.err = fmt.Errorf("compile schema %s: %w", t, err)
			return
		}
		s.schemas[t] = compiled
	}
}

func (s *schemaSet) validate(t Type, data []byte) error {
	s.once.Do(s.load)
	if s.err != nil {
		return protocolError("validate", s.err.Error())
	}

	schema, ok := s.schemas[t]
	if !ok {
		return protocolError("validate", fmt.Sprintf("unknown message type %q", t))
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return protocolError("validate", "malformed JSON: "+err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return protocolError("validate", fmt.Sprintf("%s: %s", t, strings.Join(msgs, "; ")))
	}
	return nil
}
