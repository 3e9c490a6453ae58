package relay

import (
	"fmt"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/cfg"
	"github.com/maxpert/changefeed/observer"
)

// RequestFromConfig builds the observer request of a sink: which events it
// forwards and whether bodies are included. Empty filter lists match
// everything. The start position is filled in by the worker.
func RequestFromConfig(config cfg.SinkConfiguration) (observer.Request, error) {
	var req observer.Request

	content, err := capture.ParseContentMode(config.Content)
	if err != nil {
		return req, err
	}
	req.Content = content

	for _, name := range config.FilterAreas {
		area, err := capture.ParseArea(name)
		if err != nil {
			return req, fmt.Errorf("invalid area filter: %w", err)
		}
		req.Criteria.Areas = append(req.Criteria.Areas, area)
	}
	req.Criteria.Classifiers = config.FilterClassifiers
	req.Criteria.Names = config.FilterNames

	// compile once so bad patterns fail at startup rather than on subscribe
	if _, err := capture.NewCriteriaFilter(req.Criteria); err != nil {
		return req, err
	}
	return req, nil
}
