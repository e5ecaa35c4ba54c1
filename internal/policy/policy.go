// internal/policy/policy.go
package policy

import (
	"context"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Engine gates tool invocation with an optional rego policy. No policy file
// configured means every invocation is allowed; a policy that fails to
// evaluate denies (the opposite default from admission control, since a
// half-broken policy should not widen access).
type Engine struct {
	query   *rego.PreparedEvalQuery
	enabled bool
	log     *zap.SugaredLogger
}

// New loads and compiles the rego source at path. Empty path disables the
// engine. The policy's entrypoint is `data.gate.allow`, evaluated with input
// {tenant_id, tool, args}.
func New(path string, log *zap.SugaredLogger) (*Engine, error) {
	if path == "" {
		return &Engine{log: log}, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromSource(string(src), log)
}

// FromSource compiles a policy from raw rego text.
func FromSource(src string, log *zap.SugaredLogger) (*Engine, error) {
	q, err := rego.New(
		rego.Query("data.gate.allow"),
		rego.Module("gate.rego", src),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, err
	}
	return &Engine{query: &q, enabled: true, log: log}, nil
}

// Allow reports whether the tenant may invoke the tool.
func (e *Engine) Allow(ctx context.Context, tenantID, tool string, args map[string]any) bool {
	if !e.enabled {
		return true
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"tenant_id": tenantID,
		"tool":      tool,
		"args":      args,
	}))
	if err != nil {
		e.log.Warnw("policy evaluation failed, denying", "tenant", tenantID, "tool", tool, "err", err)
		return false
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed
}
