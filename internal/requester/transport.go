package requester

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Transport 返回一个 http.RoundTripper，请求会经过完整的绑定/重试流程，
// 可以直接交给 colly 或 http.Client 使用。并发请求会被串行化。
func (r *Requester) Transport() http.RoundTripper {
	return &roundTripper{r: r}
}

type roundTripper struct {
	mu sync.Mutex
	r  *Requester
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	resp, err := t.r.Do(req.Context(), &Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
