package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr error
	}{
		{
			name:    "empty name",
			def:     Definition{Tasks: []TaskSpec{{TaskID: "a", RequiredCapabilities: []string{"x:y"}}}},
			wantErr: nil, // plain error, checked separately
		},
		{
			name: "unknown dependency",
			def: Definition{
				Name: "wf",
				Tasks: []TaskSpec{
					{TaskID: "a", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"ghost"}},
				},
			},
			wantErr: ErrUnknownDependency,
		},
		{
			name: "direct cycle",
			def: Definition{
				Name: "wf",
				Tasks: []TaskSpec{
					{TaskID: "a", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"b"}},
					{TaskID: "b", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"a"}},
				},
			},
			wantErr: ErrCycleDetected,
		},
		{
			name: "self cycle",
			def: Definition{
				Name: "wf",
				Tasks: []TaskSpec{
					{TaskID: "a", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"a"}},
				},
			},
			wantErr: ErrCycleDetected,
		},
		{
			name: "long cycle",
			def: Definition{
				Name: "wf",
				Tasks: []TaskSpec{
					{TaskID: "a", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"c"}},
					{TaskID: "b", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"a"}},
					{TaskID: "c", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"b"}},
				},
			},
			wantErr: ErrCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newWorkflow(tt.def)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCycleErrorReportsPath(t *testing.T) {
	_, err := newWorkflow(Definition{
		Name: "wf",
		Tasks: []TaskSpec{
			{TaskID: "a", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"b"}},
			{TaskID: "b", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"a"}},
		},
	})
	require.Error(t, err)

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Path, 3)
	assert.Equal(t, ce.Path[0], ce.Path[len(ce.Path)-1])
	assert.Contains(t, err.Error(), "->")
}

func TestWorkflowRejectsDuplicatesAndEmpty(t *testing.T) {
	_, err := newWorkflow(Definition{Name: "wf"})
	require.Error(t, err)

	_, err = newWorkflow(Definition{
		Name: "wf",
		Tasks: []TaskSpec{
			{TaskID: "a", RequiredCapabilities: []string{"x:y"}},
			{TaskID: "a", RequiredCapabilities: []string{"x:y"}},
		},
	})
	require.ErrorContains(t, err, "duplicate")

	_, err = newWorkflow(Definition{
		Name:  "wf",
		Tasks: []TaskSpec{{TaskID: "a"}},
	})
	require.ErrorContains(t, err, "capability")
}

func TestReadyTasks(t *testing.T) {
	wf, err := newWorkflow(Definition{
		Name: "wf",
		Tasks: []TaskSpec{
			{TaskID: "a", RequiredCapabilities: []string{"x:y"}},
			{TaskID: "b", RequiredCapabilities: []string{"x:y"}},
			{TaskID: "c", RequiredCapabilities: []string{"x:y"}, Dependencies: []string{"a", "b"}},
		},
	})
	require.NoError(t, err)

	ready := wf.ready()
	require.Len(t, ready, 2)

	wf.Tasks["a"].Status = TaskCompleted
	require.Len(t, wf.ready(), 1) // only b; c still blocked

	wf.Tasks["b"].Status = TaskCompleted
	ready = wf.ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)
}
