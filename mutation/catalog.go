package mutation

import (
	"fmt"

	"github.com/maxpert/changefeed/capture"
)

// LifecycleAction is an engine level change of a catalog
type LifecycleAction uint8

const (
	ActionCreate LifecycleAction = iota + 1
	ActionModifySchema
	ActionRename
	ActionReplace
	ActionDuplicate
	ActionGoLive
	ActionSetState
	ActionSetMutability
	ActionRemove
)

var actionNames = map[LifecycleAction]string{
	ActionCreate:        "create",
	ActionModifySchema:  "modify_schema",
	ActionRename:        "rename",
	ActionReplace:       "replace",
	ActionDuplicate:     "duplicate",
	ActionGoLive:        "go_live",
	ActionSetState:      "set_state",
	ActionSetMutability: "set_mutability",
	ActionRemove:        "remove",
}

func (a LifecycleAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// CatalogLifecycle is recorded in the engine stream whenever a catalog is
// created, altered, renamed, copied or dropped.
type CatalogLifecycle struct {
	Catalog string          `msgpack:"cat" json:"catalog"`
	Action  LifecycleAction `msgpack:"a" json:"action"`
	Target  string          `msgpack:"tgt,omitempty" json:"target,omitempty"` // new name for rename, replace and duplicate
	State   string          `msgpack:"st,omitempty" json:"state,omitempty"`
}

// Project emits one event for the affected catalog. Rename and replace retire
// the source name and upsert the target, duplicate only upserts the target.
func (m *CatalogLifecycle) Project(c *capture.Cursor, f capture.Filter, mode capture.ContentMode) []capture.Event {
	event := func(catalog string, op capture.Operation) capture.Event {
		return capture.Event{
			Area:       capture.AreaSchema,
			Classifier: catalog,
			Operation:  op,
			Container:  capture.ContainerCatalog,
			Name:       m.Action.String(),
			Body:       m,
		}
	}

	switch m.Action {
	case ActionRename, ActionReplace:
		events := c.Emit(nil, f, mode, event(m.Catalog, capture.OpRemove))
		return c.Emit(events, f, mode, event(m.Target, capture.OpUpsert))
	case ActionDuplicate:
		return c.Emit(nil, f, mode, event(m.Target, capture.OpUpsert))
	case ActionRemove:
		return c.Emit(nil, f, mode, event(m.Catalog, capture.OpRemove))
	default:
		return c.Emit(nil, f, mode, event(m.Catalog, capture.OpUpsert))
	}
}
