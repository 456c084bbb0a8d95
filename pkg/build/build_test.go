package build

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cookos/cook/pkg/rpc"
)

func TestStatusWireMirrorsRPCEnum(t *testing.T) {
	assert.Equal(t, rpc.StatusSourcing, StatusSourcing.Wire())
	assert.Equal(t, rpc.StatusDone, StatusDone.Wire())
	assert.Equal(t, rpc.StatusFailed, StatusFailed.Wire())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "building", StatusBuilding.String())
	assert.Equal(t, "unknown", Status(99).String())
}
