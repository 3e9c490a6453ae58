package mutation

import (
	"fmt"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/encoding"
)

// Kind tags the concrete type of an encoded mutation
type Kind uint8

const (
	KindTransaction Kind = iota + 1
	KindEntityUpsert
	KindEntityRemove
	KindEntitySchema
	KindCatalogLifecycle
)

type envelope struct {
	Kind Kind   `msgpack:"k"`
	Data []byte `msgpack:"d"`
}

// KindOf returns the tag of a concrete mutation
func KindOf(m capture.Mutation) (Kind, error) {
	switch m.(type) {
	case *Transaction:
		return KindTransaction, nil
	case *EntityUpsert:
		return KindEntityUpsert, nil
	case *EntityRemove:
		return KindEntityRemove, nil
	case *EntitySchema:
		return KindEntitySchema, nil
	case *CatalogLifecycle:
		return KindCatalogLifecycle, nil
	default:
		return 0, fmt.Errorf("unsupported mutation type %T", m)
	}
}

func newOfKind(k Kind) (capture.Mutation, error) {
	switch k {
	case KindTransaction:
		return &Transaction{}, nil
	case KindEntityUpsert:
		return &EntityUpsert{}, nil
	case KindEntityRemove:
		return &EntityRemove{}, nil
	case KindEntitySchema:
		return &EntitySchema{}, nil
	case KindCatalogLifecycle:
		return &CatalogLifecycle{}, nil
	default:
		return nil, fmt.Errorf("unknown mutation kind %d", k)
	}
}

// EncodeBatch serializes the mutations of one version in order
func EncodeBatch(batch []capture.Mutation) ([]byte, error) {
	envelopes := make([]envelope, 0, len(batch))
	for i, m := range batch {
		kind, err := KindOf(m)
		if err != nil {
			return nil, err
		}
		data, err := encoding.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal mutation %d: %w", i, err)
		}
		envelopes = append(envelopes, envelope{Kind: kind, Data: data})
	}
	return encoding.Marshal(envelopes)
}

// DecodeBatch is the inverse of EncodeBatch
func DecodeBatch(data []byte) ([]capture.Mutation, error) {
	var envelopes []envelope
	if err := encoding.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mutation batch: %w", err)
	}

	batch := make([]capture.Mutation, 0, len(envelopes))
	for i, env := range envelopes {
		m, err := newOfKind(env.Kind)
		if err != nil {
			return nil, err
		}
		if err := encoding.Unmarshal(env.Data, m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mutation %d: %w", i, err)
		}
		batch = append(batch, m)
	}
	return batch, nil
}
