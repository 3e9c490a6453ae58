package mutation

import (
	"testing"

	"github.com/maxpert/changefeed/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func project(c *capture.Cursor, f capture.Filter, mode capture.ContentMode, ms ...capture.Mutation) []capture.Event {
	var out []capture.Event
	for _, m := range ms {
		out = append(out, m.Project(c, f, mode)...)
	}
	return out
}

func TestProjection_AssignsPositionsPerEvent(t *testing.T) {
	c := capture.NewCursor(0)
	events := project(c, capture.MatchAll, capture.ContentBody,
		&Transaction{Version: 7, MutationCount: 2},
		&EntityUpsert{EntityType: "product", PrimaryKey: 1, Changes: []LocalChange{
			{Container: capture.ContainerAttribute, Name: "code"},
			{Container: capture.ContainerPrice, Name: "basic", Remove: true},
		}},
		&EntityRemove{EntityType: "brand", PrimaryKey: 3},
	)

	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, capture.Position{Version: 7, Index: int32(i)}, e.Position)
		assert.NotNil(t, e.Body)
	}
	assert.Equal(t, capture.OpTransaction, events[0].Operation)
	assert.Equal(t, capture.ContainerEntity, events[1].Container)
	assert.Equal(t, "code", events[2].Name)
	assert.Equal(t, capture.OpRemove, events[3].Operation)
	assert.Equal(t, "brand", events[4].Classifier)
}

func TestProjection_FilterKeepsPositions(t *testing.T) {
	f, err := capture.NewCriteriaFilter(capture.Criteria{Classifiers: []string{"brand"}})
	require.NoError(t, err)

	c := capture.NewCursor(0)
	events := project(c, f, capture.ContentHeader,
		&Transaction{Version: 2, MutationCount: 2},
		&EntityUpsert{EntityType: "product", PrimaryKey: 1},
		&EntityUpsert{EntityType: "brand", PrimaryKey: 9},
	)

	require.Len(t, events, 1)
	assert.Equal(t, capture.Position{Version: 2, Index: 2}, events[0].Position)
	assert.Nil(t, events[0].Body, "header mode strips the body")
}

func TestProjection_TransactionRestartsIndex(t *testing.T) {
	c := capture.NewCursor(0)
	project(c, capture.MatchAll, capture.ContentBody,
		&Transaction{Version: 1, MutationCount: 1},
		&EntitySchema{EntityType: "product"},
	)
	events := project(c, capture.MatchAll, capture.ContentBody, &Transaction{Version: 2})

	require.Len(t, events, 1)
	assert.Equal(t, capture.FirstOf(2), events[0].Position)
}

func TestCatalogLifecycle_Project(t *testing.T) {
	tests := []struct {
		action LifecycleAction
		want   []string
	}{
		{ActionCreate, []string{"UPSERT evita"}},
		{ActionGoLive, []string{"UPSERT evita"}},
		{ActionRemove, []string{"REMOVE evita"}},
		{ActionRename, []string{"REMOVE evita", "UPSERT renamed"}},
		{ActionReplace, []string{"REMOVE evita", "UPSERT renamed"}},
		{ActionDuplicate, []string{"UPSERT renamed"}},
	}

	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			m := &CatalogLifecycle{Catalog: "evita", Action: tt.action, Target: "renamed"}
			events := m.Project(capture.NewCursor(4), capture.MatchAll, capture.ContentHeader)

			var got []string
			for _, e := range events {
				got = append(got, e.Operation.String()+" "+e.Classifier)
				assert.Equal(t, capture.AreaSchema, e.Area)
				assert.Equal(t, capture.ContainerCatalog, e.Container)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodec_BatchRoundTrip(t *testing.T) {
	batch := []capture.Mutation{
		&Transaction{Version: 3, TxnID: 99, MutationCount: 4, CommitTS: 1700000000000},
		&EntityUpsert{EntityType: "product", PrimaryKey: 1, Changes: []LocalChange{
			{Container: capture.ContainerAttribute, Name: "code", Value: []byte("A-1")},
		}},
		&EntityRemove{EntityType: "product", PrimaryKey: 2},
		&EntitySchema{EntityType: "brand", Description: "brands"},
		&CatalogLifecycle{Catalog: "evita", Action: ActionRename, Target: "evita2"},
	}

	data, err := EncodeBatch(batch)
	require.NoError(t, err)

	decoded, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.Equal(t, batch, decoded)
}

type unknownMutation struct{}

func (unknownMutation) Project(*capture.Cursor, capture.Filter, capture.ContentMode) []capture.Event {
	return nil
}

func TestCodec_RejectsUnknown(t *testing.T) {
	_, err := EncodeBatch([]capture.Mutation{unknownMutation{}})
	assert.Error(t, err)

	_, err = DecodeBatch([]byte{0xc1})
	assert.Error(t, err)
}
