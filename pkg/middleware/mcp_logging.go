package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/audit"
	"github.com/ekaya-inc/ontology-engine/pkg/logging"
)

// maxLoggedArgument bounds string arguments copied into logs.
const maxLoggedArgument = 200

var mcpToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ontology_mcp_tool_calls_total",
	Help: "MCP tools/call requests by tool and outcome",
}, []string{"tool", "outcome"})

// identifying arguments of the ontology tools, lifted into their own log fields
var mcpCorrelationArgs = []string{"relation_id", "entity_type", "primary_key", "decision"}

// MCPRequestLogger logs MCP JSON-RPC traffic. tools/call requests are logged with
// their correlation arguments and counted by outcome; other methods are logged at
// DEBUG only. A nil logger disables logging but keeps the counters.
func MCPRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				logger.Error("Failed to read MCP request body", zap.Error(err))
				http.Error(w, "unreadable request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			origin := audit.OriginFrom(r.Context())
			origin.Source = "mcp"
			if origin.ClientIP == "" {
				origin.ClientIP = r.RemoteAddr
			}
			r = r.WithContext(audit.WithOrigin(r.Context(), origin))

			var req jsonRPCRequest
			if err := json.Unmarshal(body, &req); err != nil {
				// batches and notifications are passed through untouched
				next.ServeHTTP(w, r)
				return
			}

			fields := []zap.Field{
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", req.Method),
			}
			if req.Method != "tools/call" {
				logger.Debug("MCP request", fields...)
				next.ServeHTTP(w, r)
				return
			}

			tool := req.Params.Name
			fields = append(fields, zap.String("tool", tool))
			for _, name := range mcpCorrelationArgs {
				if v, ok := req.Params.Arguments[name].(string); ok && v != "" {
					fields = append(fields, zap.String(name, logging.TruncateString(v, maxLoggedArgument)))
				}
			}
			logger.Debug("MCP tool call", append(fields, zap.Any("arguments", sanitizeArguments(req.Params.Arguments)))...)

			recorder := &mcpResponseRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			fields = append(fields, zap.Duration("duration", time.Since(start)))

			outcome, message := classifyToolResponse(recorder.body.Bytes())
			mcpToolCalls.WithLabelValues(tool, outcome).Inc()
			switch outcome {
			case "ok":
				logger.Debug("MCP tool call succeeded", fields...)
			default:
				logger.Info("MCP tool call failed",
					append(fields, zap.String("outcome", outcome), zap.String("error", logging.TruncateString(message, maxLoggedArgument)))...)
			}
		})
	}
}

// classifyToolResponse distinguishes protocol errors from tool errors (isError results).
func classifyToolResponse(body []byte) (outcome, message string) {
	// streamable HTTP may answer with an SSE frame
	if i := bytes.Index(body, []byte("data: ")); i >= 0 && !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		body = bytes.TrimSpace(body[i+len("data: "):])
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "unparsed", ""
	}
	if resp.Error != nil {
		return "rpc_error", resp.Error.Message
	}
	if resp.Result.IsError {
		var texts []string
		for _, c := range resp.Result.Content {
			if c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
		return "tool_error", strings.Join(texts, "; ")
	}
	return "ok", ""
}

type jsonRPCRequest struct {
	Method string `json:"method"`
	Params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type jsonRPCResponse struct {
	Result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type mcpResponseRecorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *mcpResponseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *mcpResponseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// sanitizeArguments truncates long strings and masks anything that looks like a credential.
func sanitizeArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "key") && lower != "primary_key" || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
			out[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = logging.TruncateString(s, maxLoggedArgument)
			continue
		}
		out[k] = v
	}
	return out
}
