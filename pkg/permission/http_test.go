package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterHandler(t *testing.T) {
	store := &MemStore{}
	srv := newRegisterServer(t, store)
	defer srv.Close()

	testcases := []struct {
		body   string
		status int
		expect bool
	}{
		{body: `{"uniqueId":"uid-111111","allowed":true,"meta":{"bank":"demo"}}`, status: http.StatusOK, expect: true},
		{body: `{"uniqueId":"uid-222222","allowed":1}`, status: http.StatusOK, expect: true},
		{body: `{"uniqueId":"uid-333333","allowed":0,"meta":null}`, status: http.StatusOK, expect: false},
		{body: `{"uniqueId":"uid-444444"}`, status: http.StatusOK, expect: false},
		{body: `{"allowed":true}`, status: http.StatusBadRequest},
		{body: `{"uniqueId":"uid-555555","allowed":"yes"}`, status: http.StatusBadRequest},
		{body: `not json`, status: http.StatusBadRequest},
	}
	for pos, tc := range testcases {
		resp, err := http.Post(srv.URL+RegisterPath, "application/json", strings.NewReader(tc.body))
		if nil != err {
			t.Fatalf("#%d: failed POST, got error %v", pos, err)
		}
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		resp.Body.Close()

		if tc.status != resp.StatusCode {
			t.Errorf("#%d: status %d != %d, body %s", pos, resp.StatusCode, tc.status, buf.String())
			continue
		}
		if http.StatusOK != tc.status {
			continue
		}
		var rr RegisterResponse
		if err = json.Unmarshal(buf.Bytes(), &rr); nil != err {
			t.Fatalf("#%d: invalid response %s, got error %v", pos, buf.String(), err)
		}
		if "registered" != rr.Message || tc.expect != rr.Allowed {
			t.Errorf("#%d: unexpected response %+v", pos, rr)
		}
		rec, err := store.LoadRecord(context.Background(), rr.UniqueId)
		if nil != err || tc.expect != rec.Allowed {
			t.Errorf("#%d: record %+v not saved, got error %v", pos, rec, err)
		}
	}

	rec, _ := store.LoadRecord(context.Background(), "uid-111111")
	if `{"bank":"demo"}` != string(rec.Meta) {
		t.Errorf("meta not saved, got %s", rec.Meta)
	}
}

func newRegisterServer(t *testing.T, store Store) *httptest.Server {
	hdlr, err := NewRegisterHandler(getGate(t, store))
	if nil != err {
		t.Fatalf("failed NewRegisterHandler, got error %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("POST "+RegisterPath, hdlr)
	return httptest.NewServer(mux)
}
