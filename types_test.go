package portalclient

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"
)

func TestCircuitStateConstants(t *testing.T) {
	if StateClosed != 0 {
		t.Errorf("Expected StateClosed=0, got %d", StateClosed)
	}
	if StateOpen != 1 {
		t.Errorf("Expected StateOpen=1, got %d", StateOpen)
	}
	if StateHalfOpen != 2 {
		t.Errorf("Expected StateHalfOpen=2, got %d", StateHalfOpen)
	}
}

func TestResponseDecode(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte(`{"id":"t-200","name":"R. Okafor"}`)}

	var tenant struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := resp.Decode(&tenant); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if tenant.ID != "t-200" || tenant.Name != "R. Okafor" {
		t.Errorf("Expected decoded tenant, got %+v", tenant)
	}
}

func TestResponseDecodeEmptyBody(t *testing.T) {
	v := map[string]string{"kept": "yes"}
	if err := (&Response{StatusCode: 204}).Decode(&v); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if v["kept"] != "yes" {
		t.Errorf("Expected value untouched, got %v", v)
	}

	var nilResp *Response
	if err := nilResp.Decode(&v); err != nil {
		t.Errorf("Expected nil response to decode as no-op, got %v", err)
	}
}

func TestResponseDecodeInvalid(t *testing.T) {
	var v map[string]any
	err := (&Response{Body: []byte("{oops")}).Decode(&v)
	if err == nil || !strings.Contains(err.Error(), "decode response") {
		t.Errorf("Expected decode error, got %v", err)
	}
}

func TestResponseClone(t *testing.T) {
	original := &Response{
		StatusCode: 200,
		Header:     http.Header{"Etag": {"v1"}},
		Body:       []byte("abc"),
	}
	clone := original.clone()

	clone.Body[0] = 'x'
	clone.Header.Set("Etag", "v2")
	if string(original.Body) != "abc" || original.Header.Get("Etag") != "v1" {
		t.Errorf("Expected deep copy, original now %+v", original)
	}

	var nilResp *Response
	if nilResp.clone() != nil {
		t.Error("Expected nil clone of nil response")
	}
}

func TestBufferBody(t *testing.T) {
	body, err := bufferBody(bytes.NewBufferString(`{"a":1}`))
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	data, ok := body.([]byte)
	if !ok || string(data) != `{"a":1}` {
		t.Errorf("Expected buffered bytes, got %T %v", body, body)
	}

	passthrough := map[string]int{"a": 1}
	got, _ := bufferBody(passthrough)
	if _, ok := got.(map[string]int); !ok {
		t.Errorf("Expected non-reader body untouched, got %T", got)
	}
}

func TestReaderBodyReplaysOnRetry(t *testing.T) {
	tr := &fakeTransport{handler: func(n int, req *TransportRequest) (*TransportResponse, error) {
		if n == 0 {
			return respond(502, "{}"), nil
		}
		return respond(200, "{}"), nil
	}}
	client, _ := newTestClient(t, tr)

	_, err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/documents", Body: strings.NewReader("lease.pdf")})
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	for i := 0; i < 2; i++ {
		data, _ := tr.Request(i).Body.([]byte)
		if string(data) != "lease.pdf" {
			t.Errorf("Expected send %d to carry the full body, got %q", i, data)
		}
	}
}

func TestBufferBodyRejectsUnencodable(t *testing.T) {
	_, err := bufferBody(make(chan int))
	if err == nil || !strings.Contains(err.Error(), "encode request body") {
		t.Errorf("Expected encode error, got %v", err)
	}
	for _, body := range []any{nil, "lease.pdf", []byte("{}")} {
		if _, err := bufferBody(body); err != nil {
			t.Errorf("Expected %T body accepted, got %v", body, err)
		}
	}
}
