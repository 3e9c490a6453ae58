package transformer

import "github.com/maxpert/changefeed/relay"

var _ relay.Transformer = (*JSONTransformer)(nil)
