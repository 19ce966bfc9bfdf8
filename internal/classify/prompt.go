package classify

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/secfaro/dlptriage/internal/store"
)

const systemPrompt = `You are a senior security analyst triaging data-loss-prevention (DLP) incidents.

Each incident was flagged by an automated policy and includes metadata about the user, the action taken, the data source, and the destination. Some incidents include the actual file or a clipboard snippet as evidence.

Classify the incident as one of:

TRUE_POSITIVE: sensitive company or customer data actually left (or was about to leave) an approved boundary. Examples: source code pushed to a personal repository, customer records uploaded to personal cloud storage, credentials pasted into an external site.

FALSE_POSITIVE: the flagged activity is benign. Examples: public or test data, transfers to sanctioned destinations, personal files that merely match a pattern, routine developer workflows inside approved tooling.

REQUIRES_REVIEW: the evidence is insufficient or genuinely ambiguous and a human must decide.

Judge the actual content over the policy that fired: a policy match on harmless data is a FALSE_POSITIVE. Weight the destination heavily: the same file is benign going to a corporate share and a leak going to personal webmail. Be precise in your reasoning and cite the concrete indicators you relied on.`

const noEvidenceDirective = `NO EVIDENCE FILE IS AVAILABLE FOR THIS INCIDENT.
Base your analysis solely on the metadata above and the clipboard snippet if present. Do not speculate about file contents you have not seen.`

const imageTrailingInstruction = `The image above is the incident's evidence file. Inspect it for visible sensitive data (credentials, card numbers, customer records, internal documents) before deciding.`

const finalDirective = `Produce your analysis now as a single JSON object matching the required schema.`

// BuildLearningContext renders prior analyst corrections into a text block
// injected ahead of the incident facts. Confirmations never appear here;
// the store already filters them out. Returns "" when no corrections exist.
func BuildLearningContext(st *store.Store, limit int) (string, error) {
	if limit <= 0 {
		return "", nil
	}
	examples, err := st.GetFeedbackForLearning(limit)
	if err != nil {
		return "", fmt.Errorf("loading learning examples: %w", err)
	}
	if len(examples) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("LEARNING FROM PAST ANALYST CORRECTIONS\n")
	b.WriteString("Your verdicts on these earlier cases were corrected by a human analyst. Apply the lesson, not the verdict.\n\n")
	for i, ex := range examples {
		artifact := "no file"
		if ex.FileName != nil && *ex.FileName != "" {
			artifact = *ex.FileName
			if ex.FileType != nil && *ex.FileType != "" {
				artifact += " (" + *ex.FileType + ")"
			}
		}
		comment := "no comment"
		if ex.AnalystComment != nil && *ex.AnalystComment != "" {
			comment = truncate(*ex.AnalystComment, 300)
		}
		fmt.Fprintf(&b, "Case %d: %s\n", i+1, artifact)
		fmt.Fprintf(&b, "  Your verdict: %s\n", ex.OriginalVerdict)
		fmt.Fprintf(&b, "  Correct verdict: %s\n", ex.CorrectedVerdict)
		fmt.Fprintf(&b, "  Analyst: %s\n\n", comment)
	}
	return b.String(), nil
}

// renderIncidentFacts produces the deterministic metadata section of the
// prompt from the raw incident blob. Unknown or missing fields render as
// "unknown" rather than being dropped, so the engine sees a stable shape.
func renderIncidentFacts(metadata map[string]any) string {
	user := getPath(metadata, "user", "id")
	if user == "" {
		user = getPath(metadata, "user", "email")
	}
	if user == "" {
		user = "unknown"
	}

	// Blobs compressed at acquisition carry the start-event sections at the
	// top level; raw platform payloads nest them under event_details.
	startEvent := subMap(subMap(metadata, "event_details"), "start_event")
	if startEvent == nil {
		startEvent = metadata
	}

	action := getPath(startEvent, "action", "kind")
	if action == "" {
		action = "unknown"
	}

	source := "unknown"
	if src := subMap(startEvent, "source"); src != nil {
		if app := getPath(src, "app", "name"); app != "" {
			source = "App: " + app
		} else if file := getPath(src, "file", "name"); file != "" {
			source = "File: " + file
		}
	}

	destination := "unknown"
	if dst := subMap(startEvent, "destination"); dst != nil {
		switch {
		case getPath(dst, "internet", "url") != "":
			destination = "Internet URL: " + getPath(dst, "internet", "url")
		case getPath(dst, "app", "name") != "":
			destination = "App: " + getPath(dst, "app", "name")
		case dst["removable_media"] != nil:
			destination = "USB / removable storage"
		case getPath(dst, "email", "recipient") != "":
			destination = "Email to: " + getPath(dst, "email", "recipient")
		}
	}

	policy := getPath(metadata, "policy", "name")
	if policy == "" {
		policy = "unknown"
	}

	var b strings.Builder
	b.WriteString("INCIDENT METADATA\n")
	fmt.Fprintf(&b, "- User: %s\n", user)
	fmt.Fprintf(&b, "- Policy: %s\n", policy)
	fmt.Fprintf(&b, "- Action: %s\n", action)
	fmt.Fprintf(&b, "- Source: %s\n", source)
	fmt.Fprintf(&b, "- Destination: %s\n", destination)

	snippet := getPath(metadata, "content_inspection", "snippet")
	if snippet == "" && strings.Contains(strings.ToLower(action), "clipboard") {
		if p, ok := metadata["payload"].(string); ok {
			snippet = p
		}
	}
	if snippet != "" {
		fmt.Fprintf(&b, "\nDETECTED CONTENT SNIPPET:\n%s\n", truncate(snippet, 2000))
	}
	return b.String()
}

func subMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return nil
}

func getPath(m map[string]any, keys ...string) string {
	for _, key := range keys[:len(keys)-1] {
		m = subMap(m, key)
		if m == nil {
			return ""
		}
	}
	if s, ok := m[keys[len(keys)-1]].(string); ok {
		return s
	}
	return ""
}

// truncate cuts s at max bytes, backing up to a rune boundary so the
// result stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}

// decodeMetadata parses the stored raw blob. A blob that fails to parse
// still yields an empty map so the facts section renders with unknowns.
func decodeMetadata(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
