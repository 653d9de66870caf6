package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaybot/skillhost/internal/telemetry"
)

// errorClassException is the fixed classification tag carried by every
// RuntimeError produced at this boundary.
const errorClassException = "Exception"

// Runner invokes loaded modules and converts their outcomes into responses.
// Skill errors never propagate past Run; the host keeps serving.
type Runner struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRunner creates a runner.
func NewRunner(logger *slog.Logger, metrics *telemetry.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, metrics: metrics}
}

// Run invokes the module's entry point with the per-call context and
// assembles the invocation response. A structural artifact-load failure is
// returned as an error so the cache tier can force a recompile; every other
// error becomes a failure response. The runner imposes no timeout of its
// own — deadline policy belongs to the caller's context.
func (r *Runner) Run(ctx context.Context, mod Module, call *Context) (*Response, error) {
	start := time.Now()
	err := mod.Invoke(ctx, call)

	var lf loadFailure
	if errors.As(err, &lf) && lf.StructuralLoad() {
		return nil, err
	}

	if err != nil {
		rerr := newRuntimeError(err, call.SkillName)
		incident := ulid.Make().String()
		telemetry.InvocationLogger(r.logger, ctx, call.TenantID, call.SkillName).Error(
			"skill invocation failed",
			"incident", incident,
			"error", rerr.Description,
			"line_start", rerr.LineStart)
		r.metrics.RecordInvocation(string(call.Language), "failure", time.Since(start))

		resp := &Response{
			Success: false,
			Replies: []string{fmt.Sprintf("Sorry, something went wrong running this skill. (incident %s)", incident)},
			Outputs: call.Outputs(),
			Errors:  []RuntimeError{rerr},
			Status:  http.StatusInternalServerError,
		}
		r.copyHTTPContent(call, resp)
		return resp, nil
	}

	r.metrics.RecordInvocation(string(call.Language), "success", time.Since(start))
	resp := &Response{
		Success: true,
		Replies: call.Replies(),
		Outputs: call.Outputs(),
		Status:  http.StatusOK,
	}
	r.copyHTTPContent(call, resp)
	return resp, nil
}

func (r *Runner) copyHTTPContent(call *Context, resp *Response) {
	if call.Trigger != TriggerHTTP {
		return
	}
	body, contentType, headers := call.httpContent()
	resp.HTTPContent = body
	resp.HTTPContentType = contentType
	if len(headers) > 0 {
		resp.HTTPHeaders = headers
	}
}
