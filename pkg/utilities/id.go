package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewRequestID returns a sortable, globally unique id for tagging an inbound request.
func NewRequestID() string {
	return ksuid.New().String()
}

// NewJobID generates a snowflake id for an outbound job. The node id is read
// once from SNOWFLAKE_NODE (default 1). If the node cannot be initialized it
// falls back to a KSUID so a unique id is still returned.
func NewJobID() string {
	nodeOnce.Do(func() {
		nodeID := int64(1)
		if v, err := strconv.ParseInt(os.Getenv("SNOWFLAKE_NODE"), 10, 64); err == nil {
			nodeID = v
		}
		node, _ = snowflake.NewNode(nodeID)
	})
	if node == nil {
		return ksuid.New().String()
	}
	return node.Generate().String()
}
