package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gander-ai/gander/types"
)

func TestMode_Valid(t *testing.T) {
	for _, m := range []Mode{ModeChat, ModeAuto, ModeApprove, ModeSmartApprove} {
		assert.True(t, m.Valid(), string(m))
	}
	assert.False(t, Mode("yolo").Valid())
	assert.False(t, Mode("").Valid())
}

func TestMode_Decide(t *testing.T) {
	readOnly := types.ToolAnnotations{ReadOnly: true}
	destructive := types.ToolAnnotations{Destructive: true}

	tests := []struct {
		name        string
		mode        Mode
		annotations types.ToolAnnotations
		want        callAction
	}{
		{"chat rejects read-only", ModeChat, readOnly, actionReject},
		{"chat rejects destructive", ModeChat, destructive, actionReject},
		{"auto executes read-only", ModeAuto, readOnly, actionExecute},
		{"auto executes destructive", ModeAuto, destructive, actionExecute},
		{"approve asks for read-only", ModeApprove, readOnly, actionAsk},
		{"approve asks for destructive", ModeApprove, destructive, actionAsk},
		{"smart approve passes read-only", ModeSmartApprove, readOnly, actionExecute},
		{"smart approve asks for writes", ModeSmartApprove, types.ToolAnnotations{}, actionAsk},
		{"smart approve asks for destructive", ModeSmartApprove, destructive, actionAsk},
		{"unknown mode asks", Mode("bogus"), readOnly, actionAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mode.decide(tt.annotations))
		})
	}
}

func TestApprovalRequest_ApproveUnblocksWait(t *testing.T) {
	req := newApprovalRequest(types.ToolCall{ID: "call_1", Name: "fs__write"}, types.ToolAnnotations{})

	go req.Approve()

	outcome, err := req.wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, approvalGranted, outcome)
}

func TestApprovalRequest_Reject(t *testing.T) {
	req := newApprovalRequest(types.ToolCall{ID: "call_1", Name: "fs__write"}, types.ToolAnnotations{})

	req.Reject()

	outcome, err := req.wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, approvalDenied, outcome)
}

func TestApprovalRequest_OnlyFirstResponseCounts(t *testing.T) {
	req := newApprovalRequest(types.ToolCall{ID: "call_1", Name: "fs__write"}, types.ToolAnnotations{})

	req.Approve()
	// A late conflicting response must not block or override.
	req.Reject()

	outcome, err := req.wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, approvalGranted, outcome)
}

func TestApprovalRequest_Timeout(t *testing.T) {
	req := newApprovalRequest(types.ToolCall{ID: "call_1", Name: "fs__write"}, types.ToolAnnotations{})

	start := time.Now()
	outcome, err := req.wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, approvalTimedOut, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestApprovalRequest_ContextCancellation(t *testing.T) {
	req := newApprovalRequest(types.ToolCall{ID: "call_1", Name: "fs__write"}, types.ToolAnnotations{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome, err := req.wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, approvalDenied, outcome)
}

func TestApprovalRequest_Fields(t *testing.T) {
	call := types.ToolCall{ID: "call_7", Name: "notes__delete"}
	annotations := types.ToolAnnotations{Destructive: true}

	req := newApprovalRequest(call, annotations)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, call, req.Call)
	assert.True(t, req.Annotations.Destructive)
	assert.False(t, req.RequestedAt.IsZero())
}

func TestApprovalOutcome_String(t *testing.T) {
	assert.Equal(t, "granted", approvalGranted.String())
	assert.Equal(t, "denied", approvalDenied.String())
	assert.Equal(t, "timeout", approvalTimedOut.String())
}
