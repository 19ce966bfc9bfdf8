package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/secfaro/dlptriage/internal/store"
)

// Dialect selects the reply wire format requested from the engine.
type Dialect string

const (
	// DialectVerbose uses self-describing field names and full enum words.
	DialectVerbose Dialect = "verbose"
	// DialectCompact uses coded fields and enums to cut reply tokens.
	// Codes are expanded by Normalize and never escape this package.
	DialectCompact Dialect = "compact"
)

// Tag returns the version tag stored with each analysis so archived raw
// replies stay interpretable after the wire format changes.
func (d Dialect) Tag() string {
	if d == DialectCompact {
		return "c1"
	}
	return "v1"
}

// Schema returns the engine-facing JSON reply schema for the dialect.
func (d Dialect) Schema() json.RawMessage {
	if d == DialectCompact {
		return compactSchema
	}
	return verboseSchema
}

var verboseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "verdict": {
      "type": "string",
      "enum": ["TRUE_POSITIVE", "FALSE_POSITIVE", "REQUIRES_REVIEW"],
      "description": "Classification outcome"
    },
    "confidence": {"type": "number", "description": "Confidence between 0.0 and 1.0"},
    "executive_summary": {"type": "string", "description": "Who, what, where in two sentences"},
    "incident_context": {
      "type": "object",
      "properties": {
        "user": {"type": "string"},
        "source": {"type": "string"},
        "destination": {"type": "string"},
        "data_type": {"type": "string"}
      },
      "required": ["user", "source", "destination"]
    },
    "reasoning": {"type": "string", "description": "Detailed technical explanation"},
    "risk_level": {
      "type": "string",
      "enum": ["CRITICAL", "HIGH", "MEDIUM", "LOW", "N/A"],
      "description": "Risk when the verdict is TRUE_POSITIVE, otherwise N/A or LOW"
    },
    "indicators": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["verdict", "confidence", "executive_summary", "incident_context", "reasoning", "risk_level", "indicators"]
}`)

var compactSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "v": {"type": "string", "enum": ["TP", "FP", "RR"]},
    "c": {"type": "number"},
    "s": {"type": "string"},
    "ctx": {
      "type": "object",
      "properties": {
        "u": {"type": "string"},
        "src": {"type": "string"},
        "dst": {"type": "string"},
        "dt": {"type": "string"}
      },
      "required": ["u", "src", "dst"]
    },
    "r": {"type": "string"},
    "rl": {"type": "string", "enum": ["C", "H", "M", "L", "NA"]},
    "i": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["v", "c", "s", "ctx", "r", "rl", "i"]
}`)

// IncidentContext summarizes who moved what where.
type IncidentContext struct {
	User        string `json:"user"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	DataType    string `json:"data_type,omitempty"`
}

// Verdict is the canonical classification result, independent of the
// wire dialect that produced it.
type Verdict struct {
	Verdict          string
	Confidence       float64
	ExecutiveSummary string
	Context          IncidentContext
	Reasoning        string
	RiskLevel        string
	Indicators       []string
}

var verdictCodes = map[string]string{
	"TP": store.VerdictTruePositive,
	"FP": store.VerdictFalsePositive,
	"RR": store.VerdictRequiresReview,
}

var riskCodes = map[string]string{
	"C":  store.RiskCritical,
	"H":  store.RiskHigh,
	"M":  store.RiskMedium,
	"L":  store.RiskLow,
	"NA": store.RiskNone,
}

// Normalize validates a raw reply against the dialect's schema and expands
// it to the canonical verdict. This is the single point where wire format
// and domain model are decoupled.
func Normalize(raw string, d Dialect) (*Verdict, error) {
	raw = stripFences(raw)

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(d.Schema()),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("validating reply: %w", err)
	}
	if !result.Valid() {
		var faults []string
		for _, e := range result.Errors() {
			faults = append(faults, e.String())
		}
		return nil, fmt.Errorf("reply does not match %s schema: %s", d, strings.Join(faults, "; "))
	}

	if d == DialectCompact {
		return decodeCompact(raw)
	}
	return decodeVerbose(raw)
}

func decodeVerbose(raw string) (*Verdict, error) {
	var reply struct {
		Verdict          string          `json:"verdict"`
		Confidence       float64         `json:"confidence"`
		ExecutiveSummary string          `json:"executive_summary"`
		Context          IncidentContext `json:"incident_context"`
		Reasoning        string          `json:"reasoning"`
		RiskLevel        string          `json:"risk_level"`
		Indicators       []string        `json:"indicators"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return &Verdict{
		Verdict:          reply.Verdict,
		Confidence:       clampConfidence(reply.Confidence),
		ExecutiveSummary: reply.ExecutiveSummary,
		Context:          reply.Context,
		Reasoning:        reply.Reasoning,
		RiskLevel:        reply.RiskLevel,
		Indicators:       reply.Indicators,
	}, nil
}

func decodeCompact(raw string) (*Verdict, error) {
	var reply struct {
		V   string  `json:"v"`
		C   float64 `json:"c"`
		S   string  `json:"s"`
		Ctx struct {
			U   string `json:"u"`
			Src string `json:"src"`
			Dst string `json:"dst"`
			Dt  string `json:"dt"`
		} `json:"ctx"`
		R  string   `json:"r"`
		Rl string   `json:"rl"`
		I  []string `json:"i"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}

	verdict, ok := verdictCodes[reply.V]
	if !ok {
		return nil, fmt.Errorf("unknown verdict code %q", reply.V)
	}
	risk, ok := riskCodes[reply.Rl]
	if !ok {
		return nil, fmt.Errorf("unknown risk code %q", reply.Rl)
	}

	return &Verdict{
		Verdict:          verdict,
		Confidence:       clampConfidence(reply.C),
		ExecutiveSummary: reply.S,
		Context: IncidentContext{
			User:        reply.Ctx.U,
			Source:      reply.Ctx.Src,
			Destination: reply.Ctx.Dst,
			DataType:    reply.Ctx.Dt,
		},
		Reasoning:  reply.R,
		RiskLevel:  risk,
		Indicators: reply.I,
	}, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// stripFences removes a markdown code fence wrapper if the engine added one.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
