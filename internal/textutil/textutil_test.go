package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "empty input",
			in:   "",
			want: "",
		},
		{
			name: "plain text passes through",
			in:   "hello world",
			want: "hello world",
		},
		{
			name: "paragraphs become line breaks",
			in:   "<p>first</p><p>second</p>",
			want: "first\nsecond",
		},
		{
			name: "br variants become line breaks",
			in:   "one<br>two<br/>three<br />four",
			want: "one\ntwo\nthree\nfour",
		},
		{
			name: "script and style are dropped entirely",
			in:   "<style>.x{color:red}</style>before<script>alert(1)</script>after",
			want: "beforeafter",
		},
		{
			name: "entities decoded",
			in:   "<p>fish &amp; chips &lt;today&gt;</p>",
			want: "fish & chips <today>",
		},
		{
			name: "runs of blank lines collapse",
			in:   "<div>a</div>\n\n\n\n<div>b</div>",
			want: "a\n\nb",
		},
		{
			name: "nested markup stripped, inline spacing normalized",
			in:   `<div><h1>Subject</h1><p>Hello   <b>there</b></p></div>`,
			want: "Subject\nHello there",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTMLToText(tc.in))
		})
	}
}

func TestFlattenDocumentMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "empty input",
			in:   "",
			want: "",
		},
		{
			name: "titled page wrapper becomes heading",
			in:   `<page id="p1"><pageTitle>Weekly Notes</pageTitle><content>body text</content></page>`,
			want: "# Weekly Notes\n\nbody text",
		},
		{
			name: "bare content wrapper unwrapped",
			in:   "<content>just the body</content>",
			want: "just the body",
		},
		{
			name: "plain markdown passes through",
			in:   "# Title\n\nSome **bold** text",
			want: "# Title\n\nSome **bold** text",
		},
		{
			name: "residual tags stripped",
			in:   "<content>before <card>inner</card> after</content>",
			want: "before inner after",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FlattenDocumentMarkup(tc.in))
		})
	}
}

func TestCategorizeLabels(t *testing.T) {
	categories := map[string][]string{
		"clients":  {"client/*"},
		"urgent":   {"urgent", "p?"},
		"internal": {"internal"},
	}

	t.Run("wildcard and literal matching", func(t *testing.T) {
		got := CategorizeLabels([]string{"client/acme", "p1", "urgent", "misc"}, categories)
		assert.Equal(t, []string{"client/acme"}, got["clients"])
		assert.ElementsMatch(t, []string{"p1", "urgent"}, got["urgent"])
		assert.Empty(t, got["internal"])
	})

	t.Run("label can land in multiple categories", func(t *testing.T) {
		multi := map[string][]string{
			"a": {"x*"},
			"b": {"*y"},
		}
		got := CategorizeLabels([]string{"xy"}, multi)
		assert.Equal(t, []string{"xy"}, got["a"])
		assert.Equal(t, []string{"xy"}, got["b"])
	})

	t.Run("question mark matches exactly one character", func(t *testing.T) {
		got := CategorizeLabels([]string{"p10"}, categories)
		assert.Empty(t, got["urgent"])
	})

	t.Run("regexp metacharacters in patterns are literal", func(t *testing.T) {
		dotted := map[string][]string{"dots": {"a.b"}}
		got := CategorizeLabels([]string{"a.b", "axb"}, dotted)
		assert.Equal(t, []string{"a.b"}, got["dots"])
	})

	t.Run("no categories configured", func(t *testing.T) {
		assert.Nil(t, CategorizeLabels([]string{"x"}, nil))
	})
}
