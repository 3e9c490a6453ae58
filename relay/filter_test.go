package relay

import (
	"testing"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFromConfigEmptyMatchesEverything(t *testing.T) {
	req, err := RequestFromConfig(cfg.SinkConfiguration{})
	require.NoError(t, err)

	assert.Equal(t, capture.ContentHeader, req.Content)
	assert.Empty(t, req.Criteria.Areas)
	assert.Empty(t, req.Criteria.Classifiers)
	assert.Empty(t, req.Criteria.Names)
}

func TestRequestFromConfigFilters(t *testing.T) {
	req, err := RequestFromConfig(cfg.SinkConfiguration{
		Content:           "body",
		FilterAreas:       []string{"data", "SCHEMA"},
		FilterClassifiers: []string{"product*"},
		FilterNames:       []string{"code", "price_*"},
	})
	require.NoError(t, err)

	assert.Equal(t, capture.ContentBody, req.Content)
	assert.Equal(t, []capture.Area{capture.AreaData, capture.AreaSchema}, req.Criteria.Areas)

	filter, err := capture.NewCriteriaFilter(req.Criteria)
	require.NoError(t, err)
	assert.True(t, filter.Match(&capture.Event{Area: capture.AreaData, Classifier: "products", Name: "code"}))
	assert.True(t, filter.Match(&capture.Event{Area: capture.AreaSchema, Classifier: "product", Name: "price_eur"}))
	assert.False(t, filter.Match(&capture.Event{Area: capture.AreaInfrastructure, Classifier: "product", Name: "code"}))
	assert.False(t, filter.Match(&capture.Event{Area: capture.AreaData, Classifier: "orders", Name: "code"}))
	assert.False(t, filter.Match(&capture.Event{Area: capture.AreaData, Classifier: "product", Name: "ean"}))
}

func TestRequestFromConfigInvalid(t *testing.T) {
	_, err := RequestFromConfig(cfg.SinkConfiguration{FilterAreas: []string{"prices"}})
	assert.Error(t, err)

	_, err = RequestFromConfig(cfg.SinkConfiguration{Content: "full"})
	assert.Error(t, err)

	_, err = RequestFromConfig(cfg.SinkConfiguration{FilterClassifiers: []string{"[invalid"}})
	assert.Error(t, err)
}
