package capture

import "errors"

// ErrOutOfScope is returned when a requested position is older than the
// oldest position still retained by a buffer or durable source.
var ErrOutOfScope = errors.New("requested position is out of the retained scope")

// Area classifies which part of the catalog an event touches
type Area uint8

const (
	AreaSchema Area = iota
	AreaData
	AreaInfrastructure
)

func (a Area) String() string {
	switch a {
	case AreaSchema:
		return "SCHEMA"
	case AreaData:
		return "DATA"
	case AreaInfrastructure:
		return "INFRASTRUCTURE"
	default:
		return "UNKNOWN"
	}
}

// Operation is the kind of change an event describes
type Operation uint8

const (
	OpUpsert Operation = iota
	OpRemove
	OpTransaction
)

func (o Operation) String() string {
	switch o {
	case OpUpsert:
		return "UPSERT"
	case OpRemove:
		return "REMOVE"
	case OpTransaction:
		return "TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

// Container names the kind of object inside an area an event refers to
type Container uint8

const (
	ContainerCatalog Container = iota
	ContainerEntity
	ContainerAttribute
	ContainerAssociatedData
	ContainerPrice
	ContainerReference
	ContainerTransaction
)

func (c Container) String() string {
	switch c {
	case ContainerCatalog:
		return "CATALOG"
	case ContainerEntity:
		return "ENTITY"
	case ContainerAttribute:
		return "ATTRIBUTE"
	case ContainerAssociatedData:
		return "ASSOCIATED_DATA"
	case ContainerPrice:
		return "PRICE"
	case ContainerReference:
		return "REFERENCE"
	case ContainerTransaction:
		return "TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

// ContentMode selects whether events carry the originating mutation
type ContentMode uint8

const (
	// ContentHeader delivers only the event coordinates
	ContentHeader ContentMode = iota
	// ContentBody additionally attaches the mutation that produced the event
	ContentBody
)

func (m ContentMode) String() string {
	if m == ContentBody {
		return "BODY"
	}
	return "HEADER"
}

// Event is an immutable change record produced by projecting a mutation.
type Event struct {
	Position
	Area       Area
	Classifier string
	Operation  Operation
	Container  Container
	Name       string
	PrimaryKey int32
	Body       Mutation
}

// WithoutBody returns a copy of the event stripped of its mutation body
func (e Event) WithoutBody() Event {
	e.Body = nil
	return e
}

// Mutation is a committed unit of change able to describe itself as capture
// events. Project must be deterministic: the same mutation projected with a
// cursor in the same state always yields the same events.
type Mutation interface {
	Project(c *Cursor, f Filter, mode ContentMode) []Event
}

// Boundary is implemented by mutations that open a new version in the
// committed stream (transactions). Every version starts with exactly one.
type Boundary interface {
	Mutation
	TransactionVersion() int64
}

// MutationIterator walks a committed mutation stream in commit order.
// Close must always be called to release read resources.
type MutationIterator interface {
	Next() (Mutation, bool)
	Err() error
	Close() error
}
