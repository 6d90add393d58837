package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/testutil/nodetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method   string
	nodeUUID string
	topic    string
	released bool
}

type fakeRPC struct {
	task     *nodetest.Task
	topic    string
	topicErr error
	callErr  error
	calls    []call
}

func (f *fakeRPC) TopicFor(node *domain.Node) (string, error) {
	return f.topic, f.topicErr
}

func (f *fakeRPC) ContinueNodeClean(_ context.Context, nodeUUID, topic string) error {
	f.calls = append(f.calls, call{"continue_node_clean", nodeUUID, topic, f.task.Released()})
	return f.callErr
}

func (f *fakeRPC) ContinueNodeDeploy(_ context.Context, nodeUUID, topic string) error {
	f.calls = append(f.calls, call{"continue_node_deploy", nodeUUID, topic, f.task.Released()})
	return f.callErr
}

func newTask() *nodetest.Task {
	return nodetest.NewTask(&domain.Node{UUID: "node-1", ProvisionState: domain.StateCleanWait}, nil)
}

func TestResumeCleaning_ReleasesBeforeCalling(t *testing.T) {
	task := newTask()
	rpc := &fakeRPC{task: task, topic: "conductor.host-b"}
	h := New(rpc, nil)

	require.NoError(t, h.ResumeCleaning(context.Background(), task))

	require.Len(t, rpc.calls, 1)
	assert.Equal(t, call{"continue_node_clean", "node-1", "conductor.host-b", true}, rpc.calls[0])
	assert.True(t, task.Released())
}

func TestResumeDeploying(t *testing.T) {
	task := newTask()
	rpc := &fakeRPC{task: task, topic: "conductor.host-a"}
	h := New(rpc, nil)

	require.NoError(t, h.ResumeDeploying(context.Background(), task))
	require.Len(t, rpc.calls, 1)
	assert.Equal(t, "continue_node_deploy", rpc.calls[0].method)
}

func TestResumeOnPeer_TopicFailureKeepsLock(t *testing.T) {
	task := newTask()
	rpc := &fakeRPC{task: task, topicErr: errors.New("no conductors in group")}
	h := New(rpc, nil)

	err := h.ResumeCleaning(context.Background(), task)
	require.Error(t, err)
	assert.False(t, task.Released())
	assert.Empty(t, rpc.calls)
}

func TestResumeOnPeer_CallFailureAfterRelease(t *testing.T) {
	task := newTask()
	unreachable := errors.New("unreachable")
	rpc := &fakeRPC{task: task, topic: "conductor.host-b", callErr: unreachable}
	h := New(rpc, nil)

	err := h.ResumeOnPeer(context.Background(), task, "clean", rpc.ContinueNodeClean)
	require.ErrorIs(t, err, unreachable)
	assert.True(t, task.Released())
}

func TestResumeOnPeer_AlreadyReleased(t *testing.T) {
	task := newTask()
	require.NoError(t, task.ReleaseResources())
	rpc := &fakeRPC{task: task, topic: "conductor.host-b"}
	h := New(rpc, nil)

	err := h.ResumeCleaning(context.Background(), task)
	require.ErrorIs(t, err, domain.ErrTaskReleased)
	assert.Empty(t, rpc.calls)
}
