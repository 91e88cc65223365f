package browser

import (
	"strings"
	"testing"
)

func TestReadableText(t *testing.T) {
	doc := `<!doctype html>
<html>
<head><title> Example Domain </title><style>body{color:red}</style></head>
<body>
  <script>var hidden = 1;</script>
  <div><h1>Example   Domain</h1>
  <p>This domain is for use in <a href="#">illustrative</a> examples.</p>
  <noscript>enable js</noscript>
  <ul><li>one</li><li>two</li></ul>
  </div>
</body>
</html>`

	r, err := ReadableText(doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r.Title != "Example Domain" {
		t.Errorf("Title = %q", r.Title)
	}
	want := "Example Domain\nThis domain is for use in illustrative examples.\none\ntwo"
	if r.Text != want {
		t.Errorf("Text = %q, want %q", r.Text, want)
	}
	if r.Truncated {
		t.Error("unexpectedly truncated")
	}
}

func TestReadableText_Truncates(t *testing.T) {
	doc := "<p>" + strings.Repeat("é", 10) + "</p>"
	r, err := ReadableText(doc, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Truncated {
		t.Fatal("not truncated")
	}
	// 5 bytes would split the third two-byte rune.
	if r.Text != "éé" {
		t.Errorf("Text = %q", r.Text)
	}
}
