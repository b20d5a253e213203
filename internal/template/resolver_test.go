package template

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitworks/maestro/pkg/schema"
)

func newTestScope(t *testing.T) *Scope {
	t.Helper()
	sb := NewScopeBuilder(map[string]any{"instance_id": "inst-1", "id": "wf"})
	require.NoError(t, sb.AddTaskOutput("fetch", []byte(`{"url":"https://example.com","status":200,"tags":["a","b"]}`)))
	require.NoError(t, sb.AddTaskOutput("score", []byte(`0.87`)))
	return sb.Build()
}

func mustResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver()
	require.NoError(t, err)
	return r
}

func TestResolveInputWholeToken(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)

	out, err := r.ResolveInput(context.Background(),
		[]byte(`{"status":"${{ tasks.fetch.status }}","score":"${{ tasks.score }}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"score":0.87}`, string(out))
}

func TestResolveInputEmbeddedToken(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)

	out, err := r.ResolveInput(context.Background(),
		[]byte(`{"prompt":"summarize ${{ tasks.fetch.url }} (status ${{ tasks.fetch.status }})"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"summarize https://example.com (status 200)"}`, string(out))
}

func TestResolveInputNestedStructures(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)

	out, err := r.ResolveInput(context.Background(),
		[]byte(`{"list":["${{ tasks.fetch.tags }}", {"inner":"${{ workflow.instance_id }}"}],"n":7}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":[["a","b"],{"inner":"inst-1"}],"n":7}`, string(out))
}

func TestResolveInputJQ(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)

	out, err := r.ResolveInput(context.Background(),
		[]byte(`{"tags":"jq: .tasks.fetch.tags | length"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":2}`, string(out))
}

func TestResolveInputJQMultipleOutputs(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)

	out, err := r.ResolveInput(context.Background(),
		[]byte(`{"each":"jq: .tasks.fetch.tags[]"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"each":["a","b"]}`, string(out))
}

func TestResolveInputErrors(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)

	tests := []struct {
		name  string
		input string
		code  string
	}{
		{"unclosed token", `{"x":"${{ tasks.fetch.url"}`, schema.ErrCodeValidation},
		{"empty token", `{"x":"${{  }}"}`, schema.ErrCodeValidation},
		{"bad expr", `{"x":"${{ tasks..url }}"}`, schema.ErrCodeValidation},
		{"bad jq", `{"x":"jq: .["}`, schema.ErrCodeValidation},
		{"not json", `{"x":`, schema.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolveInput(context.Background(), []byte(tt.input), scope)
			require.Error(t, err)
			var me *schema.Error
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.code, me.Code)
		})
	}
}

func TestResolveInputEmpty(t *testing.T) {
	r := mustResolver(t)
	out, err := r.ResolveInput(context.Background(), nil, newTestScope(t))
	require.NoError(t, err)
	assert.Nil(t, []byte(out))
}

func TestShouldSkip(t *testing.T) {
	r := mustResolver(t)
	scope := newTestScope(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		guard string
		want  bool
	}{
		{"empty guard never skips", "", false},
		{"true literal", "true", true},
		{"task output comparison", `tasks.fetch.status == 200`, true},
		{"false comparison", `tasks.fetch.status == 500`, false},
		{"workflow metadata", `workflow.id == "wf"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ShouldSkip(ctx, tt.guard, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldSkipNonBoolean(t *testing.T) {
	r := mustResolver(t)
	_, err := r.ShouldSkip(context.Background(), `"not a bool"`, newTestScope(t))
	require.Error(t, err)
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeValidation, me.Code)
}

func TestScopeBuilderFreezesOutputs(t *testing.T) {
	sb := NewScopeBuilder(nil)
	require.NoError(t, sb.AddTaskOutput("a", []byte(`{"k":"v"}`)))

	err := sb.AddTaskOutput("a", []byte(`{"k":"other"}`))
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeConflict, me.Code)

	scope := sb.Build()
	scope.Tasks["a"].(map[string]any)["k"] = "mutated"

	fresh := sb.Build()
	assert.Equal(t, "v", fresh.Tasks["a"].(map[string]any)["k"])
}

func TestScopeBuilderRejectsBadJSON(t *testing.T) {
	sb := NewScopeBuilder(nil)
	err := sb.AddTaskOutput("a", json.RawMessage(`{broken`))
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeValidation, me.Code)
	assert.Equal(t, "a", me.TaskID)
}
