// Package transformer provides implementations of the relay.Transformer
// interface for converting capture events to sink-specific formats.
package transformer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/encoding"
	"github.com/maxpert/changefeed/mutation"
	"github.com/maxpert/changefeed/relay"
	"github.com/rs/zerolog/log"
)

func init() {
	relay.RegisterTransformer("json", func() relay.Transformer {
		return NewJSONTransformer(false)
	})
	relay.RegisterTransformer("debezium", func() relay.Transformer {
		return NewJSONTransformer(true)
	})
}

// JSONTransformer encodes capture events as Debezium style JSON envelopes.
//
// The payload carries the changed state under "after" (null for removals),
// a one letter operation code, the emit timestamp and a source block locating
// the event by scope and position. With schemas enabled every message also
// embeds the envelope schema, cached per scope and classifier, as Kafka
// Connect JSON converters expect.
//
// Local change values are msgpack decoded when possible and otherwise passed
// as base64 strings.
type JSONTransformer struct {
	connectorName string
	withSchema    bool
	schemaCache   sync.Map // "scope.classifier" -> *envelopeSchema
	now           func() time.Time
}

// NewJSONTransformer creates a transformer, embedding schemas when withSchema
// is set
func NewJSONTransformer(withSchema bool) *JSONTransformer {
	return &JSONTransformer{
		connectorName: "changefeed",
		withSchema:    withSchema,
		now:           time.Now,
	}
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type message struct {
	Schema  *envelopeSchema `json:"schema,omitempty"`
	Payload payload         `json:"payload"`
}

type payload struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
	Op     string      `json:"op"`
	TsMs   int64       `json:"ts_ms"`
	Source source      `json:"source"`
}

type source struct {
	Connector  string `json:"connector"`
	Scope      string `json:"scope"`
	Area       string `json:"area"`
	Classifier string `json:"classifier,omitempty"`
	Container  string `json:"container"`
	Name       string `json:"name,omitempty"`
	PrimaryKey int32  `json:"pk,omitempty"`
	Version    int64  `json:"version"`
	Index      int32  `json:"index"`
}

// Transform converts a capture event to a JSON envelope
func (t *JSONTransformer) Transform(e capture.Event, scope string) ([]byte, error) {
	after, err := t.after(e)
	if err != nil {
		return nil, err
	}

	msg := message{
		Payload: payload{
			After: after,
			Op:    mapOperation(e.Operation),
			TsMs:  t.now().UnixMilli(),
			Source: source{
				Connector:  t.connectorName,
				Scope:      scope,
				Area:       strings.ToLower(e.Area.String()),
				Classifier: e.Classifier,
				Container:  strings.ToLower(e.Container.String()),
				Name:       e.Name,
				PrimaryKey: e.PrimaryKey,
				Version:    e.Version,
				Index:      e.Index,
			},
		},
	}
	if t.withSchema {
		msg.Schema = t.getOrBuildSchema(scope, e.Classifier)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (t *JSONTransformer) Tombstone(key string) []byte {
	return nil
}

// after renders the state the event leaves behind
func (t *JSONTransformer) after(e capture.Event) (interface{}, error) {
	if e.Operation == capture.OpRemove || e.Body == nil {
		return nil, nil
	}

	upsert, ok := e.Body.(*mutation.EntityUpsert)
	if !ok {
		// every other mutation serializes through its json tags
		return e.Body, nil
	}

	fields := map[string]interface{}{
		"entity_type": upsert.EntityType,
		"primary_key": upsert.PrimaryKey,
	}
	for _, change := range upsert.Changes {
		if e.Container != capture.ContainerEntity && (change.Container != e.Container || change.Name != e.Name) {
			continue
		}
		if change.Remove {
			continue
		}
		fields[change.Name] = decodeValue(change.Value)
	}
	return fields, nil
}

// decodeValue decodes a msgpack encoded attribute value
func decodeValue(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	var val interface{}
	if err := encoding.Unmarshal(data, &val); err != nil {
		return base64.StdEncoding.EncodeToString(data)
	}
	if b, ok := val.([]byte); ok {
		return base64.StdEncoding.EncodeToString(b)
	}
	return val
}

// mapOperation maps a capture operation to a Debezium operation code
func mapOperation(op capture.Operation) string {
	switch op {
	case capture.OpUpsert:
		return "u"
	case capture.OpRemove:
		return "d"
	case capture.OpTransaction:
		return "m" // message
	default:
		log.Warn().Stringer("operation", op).Msg("unknown capture operation, defaulting to update")
		return "u"
	}
}

func (t *JSONTransformer) getOrBuildSchema(scope, classifier string) *envelopeSchema {
	key := scope + "." + classifier
	if cached, ok := t.schemaCache.Load(key); ok {
		return cached.(*envelopeSchema)
	}
	schema := t.buildEnvelopeSchema(key)
	t.schemaCache.Store(key, schema)
	return schema
}

func (t *JSONTransformer) buildEnvelopeSchema(name string) *envelopeSchema {
	valueName := name + ".Value"
	return &envelopeSchema{
		Type: "struct",
		Name: name + ".Envelope",
		Fields: []schemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueName},
			{Field: "after", Type: "struct", Optional: true, Name: valueName},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.changefeed.Source",
				Fields: []schemaField{
					{Field: "connector", Type: "string"},
					{Field: "scope", Type: "string"},
					{Field: "area", Type: "string"},
					{Field: "classifier", Type: "string", Optional: true},
					{Field: "container", Type: "string"},
					{Field: "name", Type: "string", Optional: true},
					{Field: "pk", Type: "int32", Optional: true},
					{Field: "version", Type: "int64"},
					{Field: "index", Type: "int32"},
				},
			},
		},
	}
}
