package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanView(t *testing.T) {
	service := Actor{Service: true}
	owner := Actor{User: "alice"}
	stranger := Actor{User: "bob"}
	anonymous := Actor{}

	assert.True(t, CanView(service, "alice", "amount"))
	assert.True(t, CanView(service, "alice", "accountHistoryId"))

	assert.True(t, CanView(owner, "alice", "amount"))
	assert.False(t, CanView(owner, "alice", "accountHistoryId"))
	assert.False(t, CanView(owner, "alice", "usageSummaryId"))
	assert.False(t, CanView(owner, "alice", "paymentAcceptId"))

	assert.False(t, CanView(stranger, "alice", "amount"))
	assert.False(t, CanView(anonymous, "alice", "amount"))
}
