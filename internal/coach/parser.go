package coach

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// defaultRequestFPS is used when a frame request omits its sampling rate.
const defaultRequestFPS = 2.0

// ParsedResponse is the typed view of one model reply.
type ParsedResponse struct {
	Summary        string
	NeedMoreFrames bool
	FrameRequests  []model.FrameRequest
	Feedback       []model.TimestampedFeedback
	Strengths      []model.Strength
	// Fallback is set when no JSON object could be recovered and the raw
	// reply was used as the summary.
	Fallback bool
}

// extractor proposes candidate JSON texts from a raw reply.
type extractor struct {
	name       string
	candidates func(raw string) []string
}

// extractors run in order; the first candidate that decodes to a JSON
// object wins.
var extractors = []extractor{
	{"fenced-json", fencedJSONCandidates},
	{"fenced-any", fencedAnyCandidates},
	{"brace-scan", braceCandidates},
}

// ExtractJSON recovers the first JSON object embedded in raw. It reports
// false when no strategy finds one.
func ExtractJSON(raw string) (map[string]any, bool) {
	obj, _, ok := extractJSON(raw)
	return obj, ok
}

func extractJSON(raw string) (map[string]any, string, bool) {
	for _, ex := range extractors {
		for _, c := range ex.candidates(raw) {
			var obj map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(c)), &obj); err == nil && obj != nil {
				return obj, ex.name, true
			}
		}
	}
	return nil, "", false
}

// ParseResponse turns a model reply into a ParsedResponse. It never fails:
// when no JSON can be recovered the raw text becomes the summary, no more
// frames are requested and there is no structured feedback.
func ParseResponse(raw string) ParsedResponse {
	obj, _, ok := extractJSON(raw)
	if !ok {
		return ParsedResponse{
			Summary:  raw,
			Feedback: []model.TimestampedFeedback{},
			Fallback: true,
		}
	}
	return decodeResponse(obj)
}

func decodeResponse(obj map[string]any) ParsedResponse {
	out := ParsedResponse{
		Summary:        asString(obj["summary"]),
		NeedMoreFrames: asBool(obj["need_more_frames"]),
		Feedback:       []model.TimestampedFeedback{},
	}
	for _, item := range asObjects(obj["frame_requests"]) {
		out.FrameRequests = append(out.FrameRequests, decodeFrameRequest(item))
	}
	for _, item := range asObjects(obj["feedback"]) {
		out.Feedback = append(out.Feedback, decodeFeedback(item))
	}
	for _, item := range asObjects(obj["strengths"]) {
		start, _ := asFloat(item["timestamp_start"])
		obs := asString(item["observation"])
		if obs == "" {
			obs = asString(item["description"])
		}
		if obs == "" {
			continue
		}
		out.Strengths = append(out.Strengths, model.Strength{Start: nonNegative(start), Observation: obs})
	}
	return out
}

func decodeFrameRequest(item map[string]any) model.FrameRequest {
	start, _ := asFloat(item["start_seconds"])
	end, _ := asFloat(item["end_seconds"])
	fps, ok := asFloat(item["fps"])
	if !ok || fps <= 0 {
		fps = defaultRequestFPS
	}
	return model.FrameRequest{
		Start:  start,
		End:    end,
		Reason: asString(item["reason"]),
		FPS:    fps,
	}
}

func decodeFeedback(item map[string]any) model.TimestampedFeedback {
	desc := asString(item["observation"])
	if desc == "" {
		desc = asString(item["description"])
	}
	start, _ := asFloat(item["timestamp_start"])
	start = nonNegative(start)
	var end *float64
	if e, ok := asFloat(item["timestamp_end"]); ok {
		e = nonNegative(e)
		if e < start {
			start, e = e, start
		}
		end = &e
	}
	drills := []string{}
	if list, ok := item["drills"].([]any); ok {
		for _, d := range list {
			if s := asString(d); s != "" {
				drills = append(drills, s)
			}
		}
	}
	return model.TimestampedFeedback{
		Category:       model.ParseCategory(asString(item["category"])),
		Description:    desc,
		Recommendation: asString(item["recommendation"]),
		Start:          start,
		End:            end,
		Priority:       model.ParsePriority(asString(item["priority"])),
		Drills:         drills,
	}
}

// ---- candidate extraction ----------------------------------------------------

type fencedBlock struct {
	lang string
	body string
}

// fencedBlocks splits raw on ``` markers. The word immediately after an
// opening fence, if any, is taken as the language tag. An unterminated
// final fence still yields its body.
func fencedBlocks(raw string) []fencedBlock {
	parts := strings.Split(raw, "```")
	var blocks []fencedBlock
	for i := 1; i < len(parts); i += 2 {
		body := parts[i]
		j := 0
		for j < len(body) && isLangChar(body[j]) {
			j++
		}
		blocks = append(blocks, fencedBlock{lang: strings.ToLower(body[:j]), body: body[j:]})
	}
	return blocks
}

func isLangChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '+'
}

func fencedJSONCandidates(raw string) []string {
	var out []string
	for _, b := range fencedBlocks(raw) {
		if b.lang == "json" {
			out = append(out, b.body)
		}
	}
	return out
}

func fencedAnyCandidates(raw string) []string {
	var out []string
	for _, b := range fencedBlocks(raw) {
		out = append(out, b.body)
		if b.lang != "" {
			// What looked like a tag may be the first token of the payload.
			out = append(out, b.lang+b.body)
		}
	}
	return out
}

// braceCandidates returns every balanced {...} span, scanning left to
// right. Braces inside JSON string literals are ignored.
func braceCandidates(raw string) []string {
	var out []string
	for start := strings.IndexByte(raw, '{'); start >= 0; {
		end := matchBrace(raw, start)
		if end < 0 {
			break
		}
		out = append(out, raw[start:end+1])
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return out
}

// matchBrace returns the index of the brace closing the one at start, or
// -1 when the span never closes.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ---- tolerant field decoding -------------------------------------------------

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// asFloat accepts JSON numbers and numeric strings such as "12.5s". Non-finite
// values are rejected.
func asFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "s")), 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if !finite(f) {
		return 0, false
	}
	return f, true
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

func asObjects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}
