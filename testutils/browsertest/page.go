package browsertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

const (
	product         = "HeadlessChrome/96.0.4664.45"
	protocolVersion = "1.3"
	userAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) HeadlessChrome/96.0.4664.45 Safari/537.36"
	blankDocument = "<html><head></head><body></body></html>"

	methodNotFound = -32601
)

// page is the document state of a fake page target.
type page struct {
	mu  sync.Mutex
	url string
	doc *goquery.Document
}

func newBlankPage() *page {
	p := &page{}
	_ = p.load("about:blank", blankDocument)
	return p
}

func (p *page) load(u, src string) error {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
	p.doc = goquery.NewDocumentFromNode(root)
	return nil
}

func (p *page) document() *goquery.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// builtin answers the methods the fake browser knows about.
func (b *Browser) builtin(c *conn, pg *page, cmd Command) Reply {
	switch cmd.Method {
	case "Browser.getVersion":
		return Reply{Result: map[string]string{
			"protocolVersion": protocolVersion,
			"product":         product,
			"revision":        "@5a7a3c1e8e6c8a1b2f6e3c4b1d2b0c7a4f1e2d3c",
			"userAgent":       userAgent,
			"jsVersion":       "9.6.180.12",
		}}
	case "Target.getTargets":
		return Reply{Result: map[string]interface{}{"targetInfos": b.targetInfos()}}
	case "Page.enable", "Runtime.enable":
		if pg == nil {
			break
		}
		return Reply{}
	case "Page.close":
		if pg == nil {
			break
		}
		b.mu.Lock()
		delete(b.pages, cmd.Target)
		b.mu.Unlock()
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = c.ws.Close()
		}()
		return Reply{}
	case "Page.navigate":
		if pg == nil {
			break
		}
		return b.navigate(c, pg, cmd)
	case "Runtime.evaluate":
		if pg == nil {
			break
		}
		return evaluate(pg, cmd)
	}

	return Reply{Error: &ReplyError{
		Code:    methodNotFound,
		Message: fmt.Sprintf("'%s' wasn't found", cmd.Method),
	}}
}

func (b *Browser) targetInfos() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]map[string]interface{}, 0, len(b.pages))
	for id, pg := range b.pages {
		pg.mu.Lock()
		infos = append(infos, map[string]interface{}{
			"targetId":        id,
			"type":            "page",
			"title":           pg.doc.Find("title").First().Text(),
			"url":             pg.url,
			"attached":        false,
			"canAccessOpener": false,
		})
		pg.mu.Unlock()
	}
	return infos
}

func (b *Browser) navigate(c *conn, pg *page, cmd Command) Reply {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil || params.URL == "" {
		return Reply{Error: &ReplyError{Code: -32602, Message: "Invalid parameters"}}
	}

	result := map[string]string{
		"frameId":  "F" + cmd.Target,
		"loaderId": fmt.Sprintf("L%d", cmd.ID),
	}
	src, err := fetchDocument(params.URL)
	if err == nil {
		err = pg.load(params.URL, src)
	}
	if err != nil {
		result["errorText"] = "net::ERR_NAME_NOT_RESOLVED"
		return Reply{Result: result}
	}

	// Real browsers notify about the navigation before answering; the
	// notification carries no id.
	event, _ := json.Marshal(map[string]interface{}{
		"method": "Page.frameNavigated",
		"params": map[string]interface{}{
			"frame": map[string]string{"id": result["frameId"], "url": params.URL},
		},
	})
	_ = c.write(event)

	return Reply{Result: result}
}

func fetchDocument(rawURL string) (string, error) {
	switch {
	case rawURL == "about:blank":
		return blankDocument, nil
	case strings.HasPrefix(rawURL, "data:text/html,"):
		body := strings.TrimPrefix(rawURL, "data:text/html,")
		if unescaped, err := url.PathUnescape(body); err == nil {
			body = unescaped
		}
		return body, nil
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		client := http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(rawURL) //nolint:noctx
		if err != nil {
			return "", err //nolint:wrapcheck
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err //nolint:wrapcheck
		}
		return string(body), nil
	}

	return "", fmt.Errorf("unsupported URL %q", rawURL)
}

// remoteObject mirrors the by-value Runtime.RemoteObject.
type remoteObject struct {
	Type        string      `json:"type"`
	Subtype     string      `json:"subtype,omitempty"`
	Value       interface{} `json:"value,omitempty"`
	Description string      `json:"description,omitempty"`
}

func evaluate(pg *page, cmd Command) Reply {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return Reply{Error: &ReplyError{Code: -32602, Message: "Invalid parameters"}}
	}

	vm := goja.New()
	if err := vm.Set("document", newDocumentObject(vm, pg.document())); err != nil {
		return Reply{Error: &ReplyError{Code: -32000, Message: err.Error()}}
	}

	v, err := vm.RunString(params.Expression)
	if err != nil {
		return Reply{Result: exceptionResult(err)}
	}

	return Reply{Result: map[string]interface{}{"result": toRemoteObject(v)}}
}

func exceptionResult(err error) map[string]interface{} {
	text := "Uncaught"
	description := err.Error()
	if ex, ok := err.(*goja.Exception); ok { //nolint:errorlint
		description = ex.Value().String()
	} else {
		text = "Uncaught SyntaxError"
	}
	return map[string]interface{}{
		"result": remoteObject{Type: "object", Subtype: "error", Description: description},
		"exceptionDetails": map[string]interface{}{
			"exceptionId":  1,
			"text":         text,
			"lineNumber":   0,
			"columnNumber": 0,
			"exception": remoteObject{
				Type:        "object",
				Subtype:     "error",
				Description: description,
			},
		},
	}
}

func toRemoteObject(v goja.Value) remoteObject {
	if v == nil || goja.IsUndefined(v) {
		return remoteObject{Type: "undefined"}
	}
	if goja.IsNull(v) {
		return remoteObject{Type: "object", Subtype: "null", Value: nil}
	}
	exported := v.Export()
	switch exported.(type) {
	case bool:
		return remoteObject{Type: "boolean", Value: exported}
	case string:
		return remoteObject{Type: "string", Value: exported}
	case int64, float64:
		return remoteObject{Type: "number", Value: exported}
	}
	return remoteObject{Type: "object", Value: exported}
}

// newDocumentObject exposes the subset of the DOM API scripts in tests use.
func newDocumentObject(vm *goja.Runtime, doc *goquery.Document) *goja.Object {
	outer, _ := goquery.OuterHtml(doc.Find("html").First())

	document := vm.NewObject()
	_ = document.Set("title", doc.Find("title").First().Text())
	_ = document.Set("documentElement", map[string]interface{}{"outerHTML": outer})
	_ = document.Set("body", map[string]interface{}{"innerText": doc.Find("body").Text()})
	_ = document.Set("querySelector", func(selector string) interface{} {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			return nil
		}
		el := sel.First()
		inner, _ := el.Html()
		return map[string]interface{}{
			"tagName":     strings.ToUpper(goquery.NodeName(el)),
			"textContent": el.Text(),
			"innerHTML":   inner,
		}
	})
	_ = document.Set("querySelectorAll", func(selector string) interface{} {
		var out []interface{}
		doc.Find(selector).Each(func(_ int, el *goquery.Selection) {
			out = append(out, map[string]interface{}{
				"tagName":     strings.ToUpper(goquery.NodeName(el)),
				"textContent": el.Text(),
			})
		})
		return out
	})
	return document
}
