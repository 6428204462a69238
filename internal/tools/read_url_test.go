package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const articlePage = `<!DOCTYPE html>
<html><head><title>Cottage Food Exemption</title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Cottage Food Exemption</h1>
<p>Minnesota allows individuals to sell certain homemade, non-potentially hazardous foods directly to consumers without a license, provided they register with the Minnesota Department of Agriculture.</p>
<p>Registration is required every year and sales are capped. Producers must complete food safety training approved by the department and label every product with their name and registration number.</p>
<p>Products such as baked goods, jams, jellies and candies are generally allowed. Foods requiring refrigeration are not permitted under the exemption and need a regular food license.</p>
</article>
<footer>Contact us</footer>
</body></html>`

func pageServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, articlePage)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "  just text  ")
	})
	mux.HandleFunc("/binary", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/tiny", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><title>Tiny</title><style>p{}</style></head><body><p>Hello</p><script>evil()</script></body></html>`)
	})
	return httptest.NewServer(mux)
}

func readURL(t *testing.T, tool *ReadURLTool, u string) (string, []string, error) {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"url": u})
	out, err := tool.Execute(context.Background(), args)
	return out.Content, out.Citations, err
}

func TestReadURLExtractsArticle(t *testing.T) {
	server := pageServer()
	defer server.Close()

	content, citations, err := readURL(t, NewReadURLTool(ReadURLOptions{}), server.URL+"/article")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(content, "Minnesota Department of Agriculture") {
		t.Fatalf("article text missing: %q", content)
	}
	if strings.Contains(content, "var x") {
		t.Fatal("script content leaked")
	}
	if len(citations) != 1 || citations[0] != server.URL+"/article" {
		t.Fatalf("citations=%v", citations)
	}
}

func TestReadURLContentTypes(t *testing.T) {
	server := pageServer()
	defer server.Close()
	tool := NewReadURLTool(ReadURLOptions{})

	content, _, err := readURL(t, tool, server.URL+"/plain")
	if err != nil || content != "just text" {
		t.Fatalf("plain: %q %v", content, err)
	}

	content, _, err = readURL(t, tool, server.URL+"/tiny")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "Hello") || strings.Contains(content, "evil") {
		t.Fatalf("tiny page: %q", content)
	}

	_, _, err = readURL(t, tool, server.URL+"/binary")
	var terr *ToolError
	if !errors.As(err, &terr) || terr.Type != ErrUnsupportedFormat {
		t.Fatalf("binary: err=%v", err)
	}
}

func TestReadURLFailures(t *testing.T) {
	server := pageServer()
	defer server.Close()
	tool := NewReadURLTool(ReadURLOptions{})

	_, _, err := readURL(t, tool, server.URL+"/missing")
	var terr *ToolError
	if !errors.As(err, &terr) || terr.Type != ErrFetchFailed || !strings.Contains(err.Error(), "404") {
		t.Fatalf("missing page: err=%v", err)
	}

	_, _, err = readURL(t, tool, "ftp://example.com/file")
	if !errors.As(err, &terr) || terr.Type != ErrInvalidParams {
		t.Fatalf("ftp url: err=%v", err)
	}
}

func TestVisibleTextSkipsNonContent(t *testing.T) {
	got := visibleText(`<html><head><title>T</title></head><body><h1>A</h1><noscript>no</noscript><p>B</p></body></html>`)
	if got != "# T\n\nA\nB" {
		t.Fatalf("visibleText=%q", got)
	}
}
