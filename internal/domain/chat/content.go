package chat

// Segment is one entry of a structured message content list.
type Segment struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// NormalizeContent maps the tolerated content encodings onto a segment list:
// a plain string becomes a single text segment, a list keeps its text
// segments, a {"text": ...} object becomes a single text segment, and
// anything else normalizes to an empty list.
func NormalizeContent(content any) []Segment {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		return []Segment{{Type: "text", Text: v}}
	case []any:
		var segments []Segment
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text, hasText := m["text"].(string)
			t, _ := m["type"].(string)
			if t == "" && hasText {
				t = "text"
			}
			if t == "text" && hasText {
				segments = append(segments, Segment{Type: "text", Text: text})
				continue
			}
			seg := Segment{Type: t}
			if hasText {
				seg.Text = text
			}
			if seg.Type != "" || hasText {
				segments = append(segments, seg)
			}
		}
		return segments
	case []Segment:
		return v
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return []Segment{{Type: "text", Text: text}}
		}
		return nil
	default:
		return nil
	}
}

// SegmentsToText concatenates the text of all text segments in order.
func SegmentsToText(segments []Segment) string {
	out := ""
	for _, seg := range segments {
		if seg.Type == "text" {
			out += seg.Text
		}
	}
	return out
}

// SegmentsToWarpResults maps text segments to the upstream tool-result shape
// {"text": {"text": ...}}, dropping non-text segments.
func SegmentsToWarpResults(segments []Segment) []map[string]any {
	results := make([]map[string]any, 0, len(segments))
	for _, seg := range segments {
		if seg.Type == "text" {
			results = append(results, map[string]any{"text": map[string]any{"text": seg.Text}})
		}
	}
	return results
}

// ContentText is NormalizeContent followed by SegmentsToText.
func ContentText(content any) string {
	return SegmentsToText(NormalizeContent(content))
}
