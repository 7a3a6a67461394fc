package chat

import "testing"

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name    string
		content any
		want    []Segment
	}{
		{"nil", nil, nil},
		{"plain string", "hello", []Segment{{Type: "text", Text: "hello"}}},
		{"text object", map[string]any{"text": "hi"}, []Segment{{Type: "text", Text: "hi"}}},
		{"object without text", map[string]any{"type": "image"}, nil},
		{"unknown type", 42, nil},
		{
			"segment list",
			[]any{
				map[string]any{"type": "text", "text": "a"},
				map[string]any{"text": "b"},
				map[string]any{"type": "image_url"},
				"not a map",
			},
			[]Segment{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}, {Type: "image_url"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeContent(tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d segments %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestContentText(t *testing.T) {
	content := []any{
		map[string]any{"type": "text", "text": "foo"},
		map[string]any{"type": "image_url"},
		map[string]any{"type": "text", "text": "bar"},
	}
	if got := ContentText(content); got != "foobar" {
		t.Fatalf("ContentText = %q, want foobar", got)
	}
}

func TestSegmentsToWarpResults(t *testing.T) {
	segments := []Segment{
		{Type: "text", Text: "one"},
		{Type: "image_url"},
		{Type: "text", Text: "two"},
	}
	results := SegmentsToWarpResults(segments)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	inner := results[0]["text"].(map[string]any)
	if inner["text"] != "one" {
		t.Errorf("result 0 = %v", results[0])
	}
}

func TestArgumentsMap(t *testing.T) {
	tests := []struct {
		name string
		args any
		key  string
		want any
	}{
		{"json string", `{"city":"Oslo"}`, "city", "Oslo"},
		{"object", map[string]any{"n": 3.0}, "n", 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ToolCallFunction{Name: "x", Arguments: tt.args}
			got := f.ArgumentsMap()
			if got[tt.key] != tt.want {
				t.Errorf("ArgumentsMap()[%q] = %v, want %v", tt.key, got[tt.key], tt.want)
			}
		})
	}

	for _, bad := range []any{nil, "", "not json", 7} {
		f := ToolCallFunction{Arguments: bad}
		if got := f.ArgumentsMap(); len(got) != 0 {
			t.Errorf("ArgumentsMap(%v) = %v, want empty", bad, got)
		}
	}
}
