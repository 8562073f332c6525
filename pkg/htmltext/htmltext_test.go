package htmltext

import "testing"

func TestPlain(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty",
			input: "",
			want:  "",
		},
		{
			name:  "plain text passes through",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "line breaks",
			input: "first<br>second<br/>third",
			want:  "first\nsecond\nthird",
		},
		{
			name:  "entities decoded",
			input: "&gt;implying &amp; &quot;quoted&quot; it&#039;s",
			want:  `>implying & "quoted" it's`,
		},
		{
			name:  "quote links keep their text",
			input: `<a href="#p112" class="quotelink">&gt;&gt;112</a><br>nice`,
			want:  ">>112\nnice",
		},
		{
			name:  "wbr removed",
			input: "https://exam<wbr>ple.com",
			want:  "https://example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Plain(tt.input); got != tt.want {
				t.Errorf("Plain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
