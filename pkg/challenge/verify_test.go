package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHMACVerifier(t *testing.T) {
	v := HMACVerifier{Secret: []byte("s")}
	ok, err := v.Verify(context.Background(), "tok", v.Sign("tok"), "")
	if err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
	if ok, _ := v.Verify(context.Background(), "tok", v.Sign("other"), ""); ok {
		t.Fatal("signature for another token must fail")
	}
	if _, err := (HMACVerifier{}).Verify(context.Background(), "tok", "x", ""); err == nil {
		t.Fatal("empty secret must error")
	}
}

func TestSiteVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "server-secret" || r.PostForm.Get("remoteip") != "203.0.113.9" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v := SiteVerifier{URL: srv.URL, Secret: "server-secret", Client: srv.Client()}
	if ok, err := v.Verify(context.Background(), "tok", "good", "203.0.113.9"); err != nil || !ok {
		t.Fatalf("expected success, ok=%v err=%v", ok, err)
	}
	if ok, err := v.Verify(context.Background(), "tok", "bad", "203.0.113.9"); err != nil || ok {
		t.Fatalf("expected rejection, ok=%v err=%v", ok, err)
	}
}

func TestSiteVerifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			_, _ = w.Write([]byte("not json"))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := (SiteVerifier{URL: srv.URL, Client: srv.Client()}).Verify(context.Background(), "", "r", ""); err == nil {
		t.Fatal("expected status error")
	}
	if _, err := (SiteVerifier{URL: srv.URL + "/garbage", Client: srv.Client()}).Verify(context.Background(), "", "r", ""); err == nil {
		t.Fatal("expected decode error")
	}
}
